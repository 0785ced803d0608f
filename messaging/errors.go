package messaging

import "errors"

var (
	// ErrNotInitialized is returned when a facade is used before Connect succeeded
	ErrNotInitialized = errors.New("messaging: facade not initialized, call Connect first")
	// ErrExchangeExists is returned when an exchange name is registered twice for the same kind
	ErrExchangeExists = errors.New("messaging: exchange already registered")
	// ErrExchangeNotFound is returned when looking up an unregistered exchange
	ErrExchangeNotFound = errors.New("messaging: exchange not found")
	// ErrUnexpectedMessage is returned by typed handlers that receive another variant.
	// Such messages are rejected without requeue.
	ErrUnexpectedMessage = errors.New("messaging: unexpected message type")
)
