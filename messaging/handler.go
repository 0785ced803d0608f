package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/deskflow/contracts"
)

// Handler processes one decoded message. A nil return acknowledges the delivery.
type Handler func(ctx context.Context, msg contracts.Message) error

// HandlerFor adapts a handler for a single message variant. Other variants
// fail with ErrUnexpectedMessage.
func HandlerFor[T contracts.Message](fn func(ctx context.Context, msg T) error) Handler {
	return func(ctx context.Context, msg contracts.Message) error {
		typed, ok := msg.(T)
		if !ok {
			var zero T
			return fmt.Errorf("%w: expected %T, got %s", ErrUnexpectedMessage, zero, msg.MessageType())
		}
		return fn(ctx, typed)
	}
}
