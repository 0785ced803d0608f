package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentType is the MIME type of an encoded envelope
const ContentType = "application/json"

var (
	// ErrUnknownMessageType is returned when an envelope carries an unregistered type tag
	ErrUnknownMessageType = errors.New("contracts: unknown message type")
	// ErrMalformedEnvelope is returned when the payload is not a valid envelope
	ErrMalformedEnvelope = errors.New("contracts: malformed envelope")
)

// Envelope wraps messages for transport
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps msg in an envelope with a fresh id and the current UTC time
func NewEnvelope(msg Message) (*Envelope, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedEnvelope)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("contracts: marshal %s: %w", msg.MessageType(), err)
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msg.MessageType(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// Message decodes the payload into the variant selected by the type tag
func (e *Envelope) Message() (Message, error) {
	switch e.Type {
	case TypeText:
		return unmarshalPayload[TextMessage](e)
	case TypeOccupancyUpdated:
		return unmarshalPayload[OccupancyUpdated](e)
	case TypeBookingCreated:
		return unmarshalPayload[BookingCreated](e)
	case TypeDeskActionExecuted:
		return unmarshalPayload[DeskActionExecuted](e)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}
}

func unmarshalPayload[T Message](e *Envelope) (Message, error) {
	var msg T
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload for %s", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return msg, nil
}

// Encode serializes msg into an envelope
func Encode(msg Message) ([]byte, error) {
	env, err := NewEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses data into an envelope and its message
func DecodeEnvelope(data []byte) (*Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	msg, err := env.Message()
	if err != nil {
		return &env, nil, err
	}
	return &env, msg, nil
}

// Decode parses data produced by Encode back into its message variant
func Decode(data []byte) (Message, error) {
	_, msg, err := DecodeEnvelope(data)
	return msg, err
}

// DecodeAs decodes data and asserts that it holds a T
func DecodeAs[T Message](data []byte) (T, error) {
	var zero T
	msg, err := Decode(data)
	if err != nil {
		return zero, err
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %s, want %T", ErrUnknownMessageType, msg.MessageType(), zero)
	}
	return typed, nil
}
