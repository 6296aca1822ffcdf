package brokertest

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/internal/rabbitmq"
)

type unacked struct {
	queue string
	msg   Message
}

// Channel is a channel of the fake broker. It is also the Acknowledger of
// the deliveries it hands out.
type Channel struct {
	broker *Broker
	conn   *Conn

	consumers map[string]*consumer
	unacked   map[uint64]unacked
	nextTag   uint64
	notify    []chan *amqp.Error
	closed    bool
	qos       []int
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	if err := ch.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)}
			ch.closeLocked(err)
			b.mu.Unlock()
			ch.flushNotify(err)
			return err
		}
		b.mu.Unlock()
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	b.mu.Unlock()
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	if err := ch.usableLocked(); err != nil {
		b.mu.Unlock()
		return amqp.Queue{}, err
	}
	if name == "" {
		name = generatedName()
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name)}
			ch.closeLocked(err)
			b.mu.Unlock()
			ch.flushNotify(err)
			return amqp.Queue{}, err
		}
		res := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
		b.mu.Unlock()
		return res, nil
	}
	q := &queue{name: name, durable: durable, autoDelete: autoDelete}
	if exclusive {
		q.exclusive = ch.conn
	}
	b.queues[name] = q
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	if err := ch.usableLocked(); err != nil {
		b.mu.Unlock()
		return amqp.Queue{}, err
	}
	q, ok := b.queues[name]
	if !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
		ch.closeLocked(err)
		b.mu.Unlock()
		ch.flushNotify(err)
		return amqp.Queue{}, err
	}
	res := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
	b.mu.Unlock()
	return res, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	if err := ch.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	ex, exOK := b.exchanges[exchangeName]
	_, qOK := b.queues[name]
	if !exOK || !qOK {
		err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no binding target %s -> %s", exchangeName, name)}
		ch.closeLocked(err)
		b.mu.Unlock()
		ch.flushNotify(err)
		return err
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			b.mu.Unlock()
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	b.mu.Unlock()
	return nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.usableLocked(); err != nil {
		return err
	}
	ch.qos = append(ch.qos, prefetchCount)
	return nil
}

// QosHistory returns every prefetch applied to the channel.
func (ch *Channel) QosHistory() []int {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return append([]int(nil), ch.qos...)
}

func (ch *Channel) Consume(queueName, tag string, _, exclusive, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.usableLocked(); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if exclusive && len(q.consumers) > 0 {
		return nil, &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - queue in exclusive use"}
	}
	c := &consumer{
		tag:        tag,
		channel:    ch,
		queue:      q,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.dispatch(q)
	return c.deliveries, nil
}

func (ch *Channel) Cancel(tag string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.usableLocked(); err != nil {
		return err
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	b.removeConsumer(c)
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	if err := ch.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		if amqpErr, ok := err.(*amqp.Error); ok {
			ch.closeLocked(amqpErr)
			b.mu.Unlock()
			ch.flushNotify(amqpErr)
			return err
		}
		b.mu.Unlock()
		return err
	}
	if _, ok := b.exchanges[exchangeName]; !ok && exchangeName != "" {
		err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
		ch.closeLocked(err)
		b.mu.Unlock()
		ch.flushNotify(err)
		return err
	}
	b.route(Message{Exchange: exchangeName, RoutingKey: key, Publishing: msg})
	b.mu.Unlock()
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	b.mu.Unlock()
	ch.flushNotify(nil)
	return nil
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, _ bool) error {
	return ch.settle(tag, "ack", false)
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	return ch.settle(tag, "nack", requeue)
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, "reject", requeue)
}

func (ch *Channel) settle(tag uint64, op string, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.ackErrors = append(b.ackErrors, fmt.Errorf("%s of delivery %d on closed channel", op, tag))
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
		b.ackErrors = append(b.ackErrors, fmt.Errorf("%s: %w", op, err))
		ch.closeLocked(err)
		b.mu.Unlock()
		ch.flushNotify(err)
		return err
	}
	delete(ch.unacked, tag)
	if requeue {
		b.requeue(u.queue, u.msg)
	}
	b.mu.Unlock()
	return nil
}

// usableLocked must be called with the broker lock held.
func (ch *Channel) usableLocked() error {
	if ch.closed || ch.conn.closed {
		return amqp.ErrClosed
	}
	return nil
}

// closeLocked tears the channel down: consumers stop and unacked messages
// go back to their queue. Listeners are notified by flushNotify once the
// broker lock is released.
func (ch *Channel) closeLocked(_ *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker
	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		b.removeConsumer(c)
	}
	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		b.requeue(u.queue, u.msg)
	}
}

func (ch *Channel) flushNotify(cause *amqp.Error) {
	b := ch.broker
	b.mu.Lock()
	notify := ch.notify
	ch.notify = nil
	b.mu.Unlock()

	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}
