package messaging

import (
	"context"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/internal/rabbitmq"
)

// PubSubFacade broadcasts messages through a fanout exchange
type PubSubFacade struct {
	*exchangeFacade
}

// NewPubSubFacade creates a facade for the fanout exchange named exchange.
// The facade is not connected until Connect is called.
func NewPubSubFacade(url, exchange string, options ...FacadeOption) *PubSubFacade {
	return &PubSubFacade{newExchangeFacade(url, exchange, rabbitmq.KindFanout, options...)}
}

// Publish delivers msg to every queue bound to the exchange
func (f *PubSubFacade) Publish(ctx context.Context, msg contracts.Message) error {
	return f.publish(ctx, "", msg)
}

// Subscribe declares a durable queue, binds it to the exchange and starts
// the consumer loop. Calling it while a loop is running is a no-op.
func (f *PubSubFacade) Subscribe(ctx context.Context, queue string, handler Handler) error {
	return f.subscribe(ctx, queue, "", handler)
}
