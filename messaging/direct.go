package messaging

import (
	"context"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/internal/rabbitmq"
)

// DirectFacade routes messages through a direct exchange by routing key
type DirectFacade struct {
	*exchangeFacade
}

// NewDirectFacade creates a facade for the direct exchange named exchange
func NewDirectFacade(url, exchange string, options ...FacadeOption) *DirectFacade {
	return &DirectFacade{newExchangeFacade(url, exchange, rabbitmq.KindDirect, options...)}
}

// Send publishes msg with routingKey. Only queues bound with the same key receive it.
func (f *DirectFacade) Send(ctx context.Context, msg contracts.Message, routingKey string) error {
	return f.publish(ctx, routingKey, msg)
}

// Receive binds queue with routingKey and starts the consumer loop.
// Calling it while a loop is running is a no-op.
func (f *DirectFacade) Receive(ctx context.Context, routingKey, queue string, handler Handler) error {
	return f.subscribe(ctx, queue, routingKey, handler)
}
