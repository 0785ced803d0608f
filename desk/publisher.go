package desk

import (
	"context"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/messaging"
)

// DirectEventPublisher sends sweep summaries through a direct exchange
// looked up from the manager on every publish
type DirectEventPublisher struct {
	manager  *messaging.Manager
	exchange string
}

// NewDirectEventPublisher creates a publisher for exchange
func NewDirectEventPublisher(manager *messaging.Manager, exchange string) *DirectEventPublisher {
	return &DirectEventPublisher{manager: manager, exchange: exchange}
}

// PublishDeskEvent implements EventPublisher
func (p *DirectEventPublisher) PublishDeskEvent(ctx context.Context, routingKey string, event contracts.DeskActionExecuted) error {
	facade, err := p.manager.Direct(p.exchange)
	if err != nil {
		return err
	}
	return facade.Send(ctx, event, routingKey)
}
