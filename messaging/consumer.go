package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/internal/rabbitmq"
)

// consumer runs the at-least-once consumption loop for one queue.
// Deliveries are handled one at a time in order. A delivery is acked
// only after its handler returned nil.
type consumer struct {
	queue      string
	tag        string
	ch         rabbitmq.Channel
	deliveries <-chan amqp.Delivery
	handler    Handler
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConsumer(queue, tag string, ch rabbitmq.Channel, deliveries <-chan amqp.Delivery, handler Handler, logger *slog.Logger) *consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &consumer{
		queue:      queue,
		tag:        tag,
		ch:         ch,
		deliveries: deliveries,
		handler:    handler,
		logger:     logger.With("queue", queue),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (c *consumer) running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// stop cancels the loop and waits until it has exited
func (c *consumer) stop() {
	c.cancel()
	<-c.done
}

func (c *consumer) run() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			if err := c.ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				c.logger.Warn("failed to cancel consumer", "consumerTag", c.tag, "error", err)
			}
			c.logger.Debug("stopping message processing", "reason", c.ctx.Err())
			return

		case delivery, ok := <-c.deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed")
				return
			}
			if c.ctx.Err() != nil {
				c.nack(delivery, true)
				continue
			}
			c.handle(delivery)
		}
	}
}

func (c *consumer) handle(delivery amqp.Delivery) {
	msg, err := contracts.Decode(delivery.Body)
	if err != nil {
		c.logger.Error("failed to decode message",
			"messageId", delivery.MessageId,
			"messageType", delivery.Type,
			"error", err,
		)
		c.nack(delivery, false)
		return
	}

	if err := c.invoke(msg); err != nil {
		requeue := !delivery.Redelivered && !errors.Is(err, ErrUnexpectedMessage)
		c.logger.Error("handler failed",
			"messageId", delivery.MessageId,
			"messageType", msg.MessageType(),
			"redelivered", delivery.Redelivered,
			"requeue", requeue,
			"error", err,
		)
		c.nack(delivery, requeue)
		return
	}

	c.ack(delivery)
	c.logger.Debug("message processed successfully",
		"messageId", delivery.MessageId,
		"messageType", msg.MessageType(),
	)
}

func (c *consumer) invoke(msg contracts.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("messaging: handler panic: %v", r)
		}
	}()
	return c.handler(c.ctx, msg)
}

func (c *consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message",
			"deliveryTag", delivery.DeliveryTag,
			"error", err,
		)
	}
}

func (c *consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("failed to nack message",
			"deliveryTag", delivery.DeliveryTag,
			"requeue", requeue,
			"error", err,
		)
	}
}
