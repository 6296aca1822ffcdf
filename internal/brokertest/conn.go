package brokertest

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/internal/rabbitmq"
)

// Conn is a client connection to the fake broker.
type Conn struct {
	broker   *Broker
	channels []*Channel
	notify   []chan *amqp.Error
	closed   bool
}

// Channel opens a channel.
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    b,
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]unacked),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection from the client side.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	c.broker.closes++
	c.broker.mu.Unlock()

	c.shutdown(nil)
	return nil
}

// shutdown closes every channel then the connection. A nil cause is a
// graceful close.
func (c *Conn) shutdown(cause *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	delete(b.conns, c)

	for _, ch := range c.channels {
		ch.closeLocked(cause)
	}
	for _, q := range b.queues {
		if q.exclusive == c {
			b.deleteQueue(q)
		}
	}
	notify := c.notify
	c.notify = nil
	channels := append([]*Channel(nil), c.channels...)
	b.mu.Unlock()

	for _, ch := range channels {
		ch.flushNotify(cause)
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}
