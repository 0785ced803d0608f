package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds supported by the facades
const (
	KindFanout = amqp.ExchangeFanout
	KindDirect = amqp.ExchangeDirect
	KindTopic  = amqp.ExchangeTopic
)

// QueueArguments builds the declaration arguments for a consumer queue.
// A non-empty deadLetterExchange routes rejected messages there instead of
// dropping them.
func QueueArguments(deadLetterExchange string) amqp.Table {
	if deadLetterExchange == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange": deadLetterExchange,
	}
}
