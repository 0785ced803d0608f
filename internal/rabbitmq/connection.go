package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the facades
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection used by the facades
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

// DefaultConnectTimeout bounds a single dial attempt
const DefaultConnectTimeout = 30 * time.Second

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial connects to the broker at url
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// DialContext runs dial in the background and gives up when ctx ends.
// A connection that completes after the deadline is closed.
func DialContext(ctx context.Context, dial Dialer, url string) (Connection, error) {
	if dial == nil {
		dial = Dial
	}

	type result struct {
		conn Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := dial(url)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(url),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		return r.conn, nil

	case <-ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() == context.Canceled {
			err = ErrOperationCancelled
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}
