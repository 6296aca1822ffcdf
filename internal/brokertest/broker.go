package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/internal/rabbitmq"
)

const deliveryBuffer = 4096

// Message is a message stored in or routed through the broker.
type Message struct {
	Exchange    string
	RoutingKey  string
	Publishing  amqp.Publishing
	Redelivered bool
}

type binding struct {
	queue string
	key   string
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  *Conn
	ready      []Message
	consumers  []*consumer
	next       int
}

type consumer struct {
	tag        string
	channel    *Channel
	queue      *queue
	deliveries chan amqp.Delivery
}

// Broker holds every exchange, queue and connection of the fake.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	dialErrs    []error
	publishErrs []error
	dials       int
	closes      int
	properties  []amqp.Table
	published   []Message
	unroutable  []Message
	ackErrors   []error
}

// New returns a broker with the predeclared amq.* exchanges.
func New() *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
	for _, kind := range []string{"direct", "topic", "fanout", "headers"} {
		name := "amq." + kind
		b.exchanges[name] = &exchange{name: name, kind: kind, durable: true}
	}
	return b
}

// Dial implements rabbitmq.Dialer.
func (b *Broker) Dial(_ string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}
	b.properties = append(b.properties, config.Properties)

	c := &Conn{broker: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes the next dials fail with errs, in order.
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// FailPublishes makes the next publishes fail with errs, in order. An
// *amqp.Error also closes the publishing channel.
func (b *Broker) FailPublishes(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErrs = append(b.publishErrs, errs...)
}

// DropConnections closes every connection from the broker side.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// ConnectionCloses returns how many times a client closed a connection.
func (b *Broker) ConnectionCloses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// ClientProperties returns the properties sent by each successful dial.
func (b *Broker) ClientProperties() []amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Table(nil), b.properties...)
}

// Published returns every accepted publish, routed or not.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// Unroutable returns publishes that matched no queue.
func (b *Broker) Unroutable() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.unroutable...)
}

// AckErrors returns acknowledgements of unknown or already settled
// deliveries.
func (b *Broker) AckErrors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.ackErrors...)
}

// Messages returns the messages waiting in queue.
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]Message(nil), q.ready...)
}

// HasQueue reports whether queue is declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueDurable reports the durability of queue.
func (b *Broker) QueueDurable(name string) (durable, autoDelete bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return false, false
	}
	return q.durable, q.autoDelete
}

// HasExchange reports whether exchange is declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Bindings returns the routing keys binding queue to exchange.
func (b *Broker) Bindings(exchangeName, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var keys []string
	for _, bd := range ex.bindings {
		if bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

// Consumers returns the number of consumers on queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// Inject publishes a message as if it came from another client.
func (b *Broker) Inject(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchangeName]; !ok && exchangeName != "" {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	b.route(Message{Exchange: exchangeName, RoutingKey: key, Publishing: msg})
	return nil
}

// route must be called with b.mu held.
func (b *Broker) route(msg Message) {
	msg.Publishing.Headers = copyTable(msg.Publishing.Headers)
	b.published = append(b.published, msg)

	var targets []string
	if msg.Exchange == "" {
		if _, ok := b.queues[msg.RoutingKey]; ok {
			targets = append(targets, msg.RoutingKey)
		}
	} else if ex, ok := b.exchanges[msg.Exchange]; ok {
		seen := map[string]bool{}
		for _, bd := range ex.bindings {
			if seen[bd.queue] || !matches(ex.kind, bd.key, msg.RoutingKey) {
				continue
			}
			seen[bd.queue] = true
			targets = append(targets, bd.queue)
		}
	}

	if len(targets) == 0 {
		b.unroutable = append(b.unroutable, msg)
		return
	}
	for _, name := range targets {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		cp := msg
		cp.Publishing.Headers = copyTable(msg.Publishing.Headers)
		q.ready = append(q.ready, cp)
		b.dispatch(q)
	}
}

// dispatch hands ready messages to consumers round robin. Must be called
// with b.mu held.
func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		msg := q.ready[0]
		c.channel.nextTag++
		tag := c.channel.nextTag
		delivery := amqp.Delivery{
			Acknowledger:  c.channel,
			Headers:       copyTable(msg.Publishing.Headers),
			ContentType:   msg.Publishing.ContentType,
			DeliveryMode:  msg.Publishing.DeliveryMode,
			CorrelationId: msg.Publishing.CorrelationId,
			ReplyTo:       msg.Publishing.ReplyTo,
			MessageId:     msg.Publishing.MessageId,
			Timestamp:     msg.Publishing.Timestamp,
			ConsumerTag:   c.tag,
			DeliveryTag:   tag,
			Redelivered:   msg.Redelivered,
			Exchange:      msg.Exchange,
			RoutingKey:    msg.RoutingKey,
			Body:          append([]byte(nil), msg.Publishing.Body...),
		}

		select {
		case c.deliveries <- delivery:
			q.ready = q.ready[1:]
			c.channel.unacked[tag] = unacked{queue: q.name, msg: msg}
		default:
			c.channel.nextTag--
			return
		}
	}
}

// requeue puts msg back at the head of its queue flagged redelivered. Must
// be called with b.mu held.
func (b *Broker) requeue(queueName string, msg Message) {
	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	msg.Redelivered = true
	q.ready = append([]Message{msg}, q.ready...)
	b.dispatch(q)
}

// removeConsumer must be called with b.mu held.
func (b *Broker) removeConsumer(c *consumer) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	close(c.deliveries)
	if q.autoDelete && len(q.consumers) == 0 {
		b.deleteQueue(q)
	}
}

// deleteQueue must be called with b.mu held.
func (b *Broker) deleteQueue(q *queue) {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case "fanout", "headers":
		return true
	case "topic":
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
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

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func generatedName() string {
	return "amq.gen-" + uuid.New().String()
}

var errPublishCancelled = errors.New("brokertest: publish context done")

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errPublishCancelled, ctx.Err())
	default:
		return nil
	}
}
