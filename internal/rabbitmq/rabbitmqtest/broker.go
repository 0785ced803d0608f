// Package rabbitmqtest provides an in-memory AMQP broker for tests.
//
// The broker implements the rabbitmq.Connection and rabbitmq.Channel
// interfaces with fanout, direct and topic routing, durable queues that
// outlive connections, manual acknowledgement, requeue on nack or channel
// close, and dead-lettering through the x-dead-letter-exchange argument.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/deskflow/internal/rabbitmq"
)

// Operations that accept injected faults
const (
	OpDial            = "dial"
	OpChannel         = "channel"
	OpExchangeDeclare = "exchange.declare"
	OpQueueDeclare    = "queue.declare"
	OpQueueBind       = "queue.bind"
	OpConsume         = "consume"
	OpPublish         = "publish"
)

type message struct {
	exchange    string
	key         string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name     string
	args     amqp.Table
	messages []message
	signal   chan struct{}
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

type binding struct {
	queue    string
	exchange string
	key      string
}

// Broker is an in-memory message broker
type Broker struct {
	mu           sync.Mutex
	exchanges    map[string]string
	queues       map[string]*queue
	bindings     []binding
	faults       map[string]error
	conns        []*Connection
	deadLettered map[string][]amqp.Publishing
	dropped      int
	dials        int
	queueSeq     int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges:    make(map[string]string),
		queues:       make(map[string]*queue),
		faults:       make(map[string]error),
		deadLettered: make(map[string][]amqp.Publishing),
	}
}

// Dialer returns a rabbitmq.Dialer that connects to this broker
func (b *Broker) Dialer() rabbitmq.Dialer {
	return func(string) (rabbitmq.Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.dials++
		if err := b.faults[OpDial]; err != nil {
			return nil, err
		}
		conn := &Connection{broker: b}
		b.conns = append(b.conns, conn)
		return conn, nil
	}
}

// InjectFault makes every subsequent op fail with err until cleared
func (b *Broker) InjectFault(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = err
}

// ClearFaults removes all injected faults
func (b *Broker) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = make(map[string]error)
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// ExchangeKind reports the kind an exchange was declared with
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// HasQueue reports whether a queue was declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the arguments a queue was declared with
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Bound reports whether queue is bound to exchange with key
func (b *Broker) Bound(queueName, exchange, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd.queue == queueName && bd.exchange == exchange && bd.key == key {
			return true
		}
	}
	return false
}

// DeadLettered returns the messages rejected into a dead letter exchange
func (b *Broker) DeadLettered(exchange string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.deadLettered[exchange]...)
}

// Dropped returns the number of rejected messages that had nowhere to go
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	conns := append([]*Connection(nil), b.conns...)
	b.mu.Unlock()

	open := 0
	for _, c := range conns {
		if !c.IsClosed() {
			open++
		}
	}
	return open
}

// CloseConnections simulates the broker dropping every client connection
func (b *Broker) CloseConnections() {
	b.mu.Lock()
	conns := append([]*Connection(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Publish injects a raw message as if another client had published it
func (b *Broker) Publish(exchange, key string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routeLocked(exchange, key, pub)
}

func (b *Broker) fault(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faults[op]
}

func (b *Broker) routeLocked(exchange, key string, pub amqp.Publishing) error {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueueLocked(q, message{exchange: exchange, key: key, pub: pub})
		}
		return nil
	}

	kind, ok := b.exchanges[exchange]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}

	for _, bd := range b.bindings {
		if bd.exchange != exchange || !routes(kind, bd.key, key) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			b.enqueueLocked(q, message{exchange: exchange, key: key, pub: pub})
		}
	}
	return nil
}

func (b *Broker) enqueueLocked(q *queue, msg message) {
	q.messages = append(q.messages, msg)
	q.notify()
}

func (b *Broker) requeueLocked(q *queue, msg message) {
	msg.redelivered = true
	q.messages = append([]message{msg}, q.messages...)
	q.notify()
}

func (b *Broker) rejectLocked(q *queue, msg message) {
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		b.dropped++
		return
	}
	b.deadLettered[dlx] = append(b.deadLettered[dlx], msg.pub)
	if _, ok := b.exchanges[dlx]; ok {
		_ = b.routeLocked(dlx, msg.key, msg.pub)
	}
}

func (b *Broker) pop(q *queue) (message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(q.messages) == 0 {
		return message{}, false
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, true
}

func routes(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeDirect:
		return bindingKey == routingKey
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return false
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// Connection is an in-memory broker connection
type Connection struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	channels []*Channel
}

// Channel opens a channel on the connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	if err := c.broker.fault(OpChannel); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		done:      make(chan struct{}),
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]pending),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// IsClosed reports whether Close was called
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection and all its channels
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

type pending struct {
	queue *queue
	msg   message
}

type consumer struct {
	tag  string
	stop chan struct{}
	once sync.Once
}

func (c *consumer) cancel() {
	c.once.Do(func() { close(c.stop) })
}

// Channel is an in-memory broker channel
type Channel struct {
	broker    *Broker
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	consumers map[string]*consumer
	unacked   map[uint64]pending
	nextTag   uint64
	prefetch  int
	wg        sync.WaitGroup
}

var _ rabbitmq.Channel = (*Channel)(nil)

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// ExchangeDeclare declares an exchange; redeclaring with another kind fails
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	if err := ch.broker.fault(OpExchangeDeclare); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name),
		}
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare declares a queue; an empty name generates one
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := ch.broker.fault(OpQueueDeclare); err != nil {
		return amqp.Queue{}, err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", b.queueSeq)
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, args: args, signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.messages)}, nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	if err := ch.broker.fault(OpQueueBind); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	for _, bd := range b.bindings {
		if bd.queue == name && bd.exchange == exchange && bd.key == key {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{queue: name, exchange: exchange, key: key})
	return nil
}

// Qos records the prefetch count
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume starts delivering messages from a queue
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.broker.fault(OpConsume); err != nil {
		return nil, err
	}

	ch.broker.mu.Lock()
	q, ok := ch.broker.queues[queueName]
	ch.broker.mu.Unlock()
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%d", len(ch.consumers)+1)
	}
	if _, exists := ch.consumers[tag]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)}
	}

	c := &consumer{tag: tag, stop: make(chan struct{})}
	ch.consumers[tag] = c
	out := make(chan amqp.Delivery)

	ch.wg.Add(1)
	go ch.deliver(q, c, out, autoAck)
	return out, nil
}

func (ch *Channel) deliver(q *queue, c *consumer, out chan<- amqp.Delivery, autoAck bool) {
	defer ch.wg.Done()
	defer close(out)

	for {
		msg, ok := ch.broker.pop(q)
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-c.stop:
				return
			case <-ch.done:
				return
			}
		}

		d := ch.track(q, msg, c.tag, autoAck)
		select {
		case out <- d:
		case <-c.stop:
			ch.settle(d.DeliveryTag, true)
			return
		case <-ch.done:
			ch.settle(d.DeliveryTag, true)
			return
		}
	}
}

func (ch *Channel) track(q *queue, msg message, tag string, autoAck bool) amqp.Delivery {
	ch.mu.Lock()
	ch.nextTag++
	deliveryTag := ch.nextTag
	if !autoAck {
		ch.unacked[deliveryTag] = pending{queue: q, msg: msg}
	}
	ch.mu.Unlock()

	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         msg.pub.Headers,
		ContentType:     msg.pub.ContentType,
		ContentEncoding: msg.pub.ContentEncoding,
		DeliveryMode:    msg.pub.DeliveryMode,
		CorrelationId:   msg.pub.CorrelationId,
		MessageId:       msg.pub.MessageId,
		Timestamp:       msg.pub.Timestamp,
		Type:            msg.pub.Type,
		ConsumerTag:     tag,
		DeliveryTag:     deliveryTag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.key,
		Body:            msg.pub.Body,
	}
}

// settle removes an unacked delivery and either requeues or rejects it
func (ch *Channel) settle(tag uint64, requeue bool) bool {
	ch.mu.Lock()
	p, ok := ch.unacked[tag]
	delete(ch.unacked, tag)
	ch.mu.Unlock()
	if !ok {
		return false
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue {
		b.requeueLocked(p.queue, p.msg)
	} else {
		b.rejectLocked(p.queue, p.msg)
	}
	return true
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	if !ch.settle(tag, requeue) {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// Cancel stops a consumer; its delivery channel is closed
func (ch *Channel) Cancel(tag string, noWait bool) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	delete(ch.consumers, tag)
	ch.mu.Unlock()

	if ok {
		c.cancel()
	}
	return nil
}

// PublishWithContext routes a message through an exchange
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	if err := ch.broker.fault(OpPublish); err != nil {
		return err
	}
	return ch.broker.Publish(exchange, key, msg)
}

// IsClosed reports whether the channel was closed
func (ch *Channel) IsClosed() bool {
	return ch.isClosed()
}

// Close closes the channel, stops its consumers and requeues unacked messages
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	close(ch.done)
	unacked := ch.unacked
	ch.unacked = make(map[uint64]pending)
	ch.mu.Unlock()

	ch.wg.Wait()

	b := ch.broker
	b.mu.Lock()
	for _, p := range unacked {
		b.requeueLocked(p.queue, p.msg)
	}
	b.mu.Unlock()
	return nil
}

// ErrInjected is a convenience error for fault injection
var ErrInjected = errors.New("rabbitmqtest: injected fault")
