// Package rabbitmq adapts github.com/rabbitmq/amqp091-go for the desk
// messaging facades.
//
// This package includes:
//   - Connection and Channel: the subset of the AMQP client the facades use,
//     so tests can substitute an in-memory broker (see rabbitmqtest)
//   - Dial and DialContext: open a broker connection with a deadline
//   - Exchange kinds and queue argument helpers
//   - Typed errors for connection, channel, publish, consumer and topology
//     failures
package rabbitmq
