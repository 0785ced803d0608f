package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/internal/rabbitmq"
)

// FacadeOption configures an exchange facade
type FacadeOption func(*exchangeFacade)

// WithDialer replaces the broker dialer
func WithDialer(dial rabbitmq.Dialer) FacadeOption {
	return func(f *exchangeFacade) {
		if dial != nil {
			f.dial = dial
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FacadeOption {
	return func(f *exchangeFacade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPersistentDelivery controls whether published messages survive a broker restart
func WithPersistentDelivery(persistent bool) FacadeOption {
	return func(f *exchangeFacade) {
		f.persistent = persistent
	}
}

// WithDeadLetterExchange declares consumer queues so that rejected
// messages are routed to exchange instead of dropped
func WithDeadLetterExchange(exchange string) FacadeOption {
	return func(f *exchangeFacade) {
		f.deadLetterExchange = exchange
	}
}

// WithConnectTimeout bounds a single Connect attempt
func WithConnectTimeout(timeout time.Duration) FacadeOption {
	return func(f *exchangeFacade) {
		if timeout > 0 {
			f.connectTimeout = timeout
		}
	}
}

// exchangeFacade owns one connection, one channel and one declared
// exchange, plus at most one consumer loop.
type exchangeFacade struct {
	url  string
	name string
	kind string

	dial               rabbitmq.Dialer
	logger             *slog.Logger
	persistent         bool
	deadLetterExchange string
	prefetch           int
	connectTimeout     time.Duration

	mu       sync.Mutex
	conn     rabbitmq.Connection
	ch       rabbitmq.Channel
	consumer *consumer
	closes   uint64 // bumped by every Close
}

func newExchangeFacade(url, name, kind string, options ...FacadeOption) *exchangeFacade {
	f := &exchangeFacade{
		url:            url,
		name:           name,
		kind:           kind,
		dial:           rabbitmq.Dial,
		logger:         slog.Default(),
		persistent:     true,
		prefetch:       1,
		connectTimeout: rabbitmq.DefaultConnectTimeout,
	}

	for _, opt := range options {
		opt(f)
	}
	f.logger = f.logger.With("exchange", name, "kind", kind)

	return f
}

// ExchangeName returns the exchange the facade owns
func (f *exchangeFacade) ExchangeName() string {
	return f.name
}

// Kind returns the exchange kind
func (f *exchangeFacade) Kind() string {
	return f.kind
}

// IsConnected reports whether the connection and channel are open and the
// exchange has been declared
func (f *exchangeFacade) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectedLocked()
}

// Consuming reports whether a consumer loop is running
func (f *exchangeFacade) Consuming() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumer != nil && f.consumer.running()
}

func (f *exchangeFacade) connectedLocked() bool {
	return f.conn != nil && f.ch != nil && !f.conn.IsClosed() && !f.ch.IsClosed()
}

// Connect dials the broker, opens a channel and declares a durable
// exchange. It is a no-op on a connected facade.
func (f *exchangeFacade) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connectedLocked() {
		f.mu.Unlock()
		return nil
	}
	stale := f.detachLocked()
	generation := f.closes
	f.mu.Unlock()

	// Handles left behind by a dropped connection
	_ = stale.release(f.name)

	conn, ch, err := f.open(ctx)
	if err != nil {
		f.logger.Error("failed to connect", "url", rabbitmq.SanitizeURL(f.url), "error", err)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes != generation {
		_ = handles{conn: conn, ch: ch}.release(f.name)
		f.logger.Info("facade closed while connecting, dropping connection")
		return fmt.Errorf("messaging: exchange %s closed during connect: %w", f.name, rabbitmq.ErrOperationCancelled)
	}
	if f.conn != nil {
		// A concurrent Connect won
		_ = ch.Close()
		_ = conn.Close()
		return nil
	}
	f.conn, f.ch = conn, ch

	f.logger.Info("connected to exchange")
	return nil
}

func (f *exchangeFacade) open(ctx context.Context) (rabbitmq.Connection, rabbitmq.Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()

	conn, err := rabbitmq.DialContext(dialCtx, f.dial, f.url)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, &rabbitmq.ChannelError{
			Op:        "open",
			Exchange:  f.name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := ch.ExchangeDeclare(f.name, f.kind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, &rabbitmq.TopologyError{
			Component: "exchange",
			Name:      f.name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return conn, ch, nil
}

// Close stops the consumer loop and waits for it to exit, then closes the
// channel and the connection. It is safe to call repeatedly and the facade
// may Connect again afterwards.
func (f *exchangeFacade) Close() error {
	f.mu.Lock()
	h := f.detachLocked()
	f.closes++
	f.mu.Unlock()

	if err := h.release(f.name); err != nil {
		f.logger.Warn("error while closing facade", "error", err)
		return err
	}
	if h.conn != nil {
		f.logger.Info("closed exchange facade")
	}
	return nil
}

type handles struct {
	conn     rabbitmq.Connection
	ch       rabbitmq.Channel
	consumer *consumer
}

func (f *exchangeFacade) detachLocked() handles {
	h := handles{conn: f.conn, ch: f.ch, consumer: f.consumer}
	f.conn, f.ch, f.consumer = nil, nil, nil
	return h
}

// release tears handles down in order: consumer, channel, connection
func (h handles) release(exchange string) error {
	if h.consumer != nil {
		h.consumer.stop()
	}

	var errs []error
	if h.ch != nil && !h.ch.IsClosed() {
		if err := h.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, &rabbitmq.ChannelError{Op: "close", Exchange: exchange, Err: err, Timestamp: time.Now()})
		}
	}
	if h.conn != nil && !h.conn.IsClosed() {
		if err := h.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, &rabbitmq.ConnectionError{Op: "close", Err: err, Timestamp: time.Now()})
		}
	}
	return errors.Join(errs...)
}

func (f *exchangeFacade) channel() (rabbitmq.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connectedLocked() {
		return nil, ErrNotInitialized
	}
	return f.ch, nil
}

func (f *exchangeFacade) publish(ctx context.Context, routingKey string, msg contracts.Message) error {
	ch, err := f.channel()
	if err != nil {
		return err
	}

	env, err := contracts.NewEnvelope(msg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: encode envelope: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  contracts.ContentType,
		MessageId:    env.ID,
		Timestamp:    env.Timestamp,
		Type:         env.Type,
		Body:         body,
		DeliveryMode: amqp.Transient,
	}
	if f.persistent {
		publishing.DeliveryMode = amqp.Persistent
	}

	if err := ch.PublishWithContext(ctx, f.name, routingKey, false, false, publishing); err != nil {
		return &rabbitmq.PublishError{
			Exchange:   f.name,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	f.logger.Debug("published message",
		"messageId", env.ID,
		"messageType", env.Type,
		"routingKey", routingKey,
	)
	return nil
}

// subscribe declares and binds queue, then starts the consumer loop.
// It is a no-op while a loop is already running.
func (f *exchangeFacade) subscribe(ctx context.Context, queue, routingKey string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", rabbitmq.ErrInvalidConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", rabbitmq.ErrOperationCancelled, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connectedLocked() {
		return ErrNotInitialized
	}
	if f.consumer != nil && f.consumer.running() {
		f.logger.Debug("consumer already running", "queue", f.consumer.queue)
		return nil
	}

	q, err := f.ch.QueueDeclare(queue, true, false, false, false, rabbitmq.QueueArguments(f.deadLetterExchange))
	if err != nil {
		return &rabbitmq.TopologyError{Component: "queue", Name: queue, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	if err := f.ch.QueueBind(q.Name, routingKey, f.name, false, nil); err != nil {
		return &rabbitmq.TopologyError{Component: "binding", Name: q.Name + "->" + f.name, Op: "create", Err: err, Timestamp: time.Now()}
	}

	if err := f.ch.Qos(f.prefetch, 0, false); err != nil {
		return &rabbitmq.ConsumerError{Queue: q.Name, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	tag := fmt.Sprintf("%s-%s", q.Name, uuid.NewString()[:8])
	deliveries, err := f.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return &rabbitmq.ConsumerError{Queue: q.Name, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	f.consumer = newConsumer(q.Name, tag, f.ch, deliveries, handler, f.logger)
	go f.consumer.run()

	f.logger.Info("subscribed to queue", "queue", q.Name, "routingKey", routingKey, "consumerTag", tag)
	return nil
}
