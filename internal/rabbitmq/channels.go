package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// channelKey identifies a cached channel. The zero key is the shared
// default channel.
type channelKey struct {
	purpose  string
	prefetch int
	debug    bool
}

func keyFor(purpose string, prefetch int, debug bool) channelKey {
	if prefetch == 0 && !debug {
		return channelKey{}
	}
	return channelKey{purpose: purpose, prefetch: prefetch, debug: debug}
}

func (k channelKey) String() string {
	if k == (channelKey{}) {
		return "default"
	}
	return fmt.Sprintf("%s:%d", k.purpose, k.prefetch)
}

// Channel returns the channel cached for (purpose, prefetch). A zero
// prefetch always yields the shared default channel.
func (m *Manager) Channel(ctx context.Context, purpose string, prefetch int) (Channel, error) {
	return m.channel(ctx, keyFor(purpose, prefetch, false))
}

// DefaultChannel returns the channel used for fire-and-forget publishes.
func (m *Manager) DefaultChannel(ctx context.Context) (Channel, error) {
	return m.channel(ctx, channelKey{})
}

func (m *Manager) channel(ctx context.Context, key channelKey) (Channel, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrConnectionClosed
		}

		p, ok := m.channels[key]
		if !ok {
			p = newPromise[Channel]()
			m.channels[key] = p
			m.mu.Unlock()

			ch, err := m.openChannel(ctx, key)
			if err != nil {
				m.evictChannel(key, p)
			} else {
				m.watchChannel(key, p, ch)
			}
			p.resolve(ch, err)
			return ch, err
		}
		m.mu.Unlock()

		ch, err := p.wait(ctx)
		if err != nil {
			return nil, err
		}
		if !ch.IsClosed() {
			return ch, nil
		}
		m.evictChannel(key, p)
	}
}

func (m *Manager) openChannel(ctx context.Context, key channelKey) (Channel, error) {
	conn, err := m.Connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Purpose:   key.String(),
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if !key.debug && m.deadLetter != "" {
		if err := m.bindDeadLetter(ch); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{
				Op:        "bind dead letter queue",
				Purpose:   key.String(),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	m.logger.Debug("channel opened", "channel", key.String())
	return ch, nil
}

// bindDeadLetter makes sure a publish to the dead letter queue always has a
// destination.
func (m *Manager) bindDeadLetter(ch Channel) error {
	if _, err := DeclareQueue(ch, QueueDeclaration{Name: m.deadLetter, Durable: true}); err != nil {
		return err
	}
	return BindQueue(ch, Binding{Queue: m.deadLetter, Exchange: "amq.direct", RoutingKey: m.deadLetter})
}

// watchChannel evicts the channel and the exchange assertions once the
// broker closes it.
func (m *Manager) watchChannel(key channelKey, p *promise[Channel], ch Channel) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-notify
		m.mu.Lock()
		if m.channels[key] == p {
			delete(m.channels, key)
		}
		m.exchanges = make(map[string]*promise[struct{}])
		m.mu.Unlock()

		if ok && amqpErr != nil && !key.debug {
			m.logger.Warn("channel closed by broker", "channel", key.String(), "error", amqpErr)
		}
	}()
}

func (m *Manager) evictChannel(key channelKey, p *promise[Channel]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[key] == p {
		delete(m.channels, key)
	}
}

// AssertExchange declares decl at most once per channel lifetime.
// Concurrent callers wait for the same declaration. The default exchange
// is never declared.
func (m *Manager) AssertExchange(ctx context.Context, ch Channel, decl ExchangeDeclaration) error {
	if decl.Name == "" {
		return nil
	}

	m.mu.Lock()
	p, ok := m.exchanges[decl.Name]
	if ok {
		m.mu.Unlock()
		_, err := p.wait(ctx)
		return err
	}
	p = newPromise[struct{}]()
	m.exchanges[decl.Name] = p
	m.mu.Unlock()

	err := DeclareExchange(ch, decl)
	if err != nil {
		m.mu.Lock()
		if m.exchanges[decl.Name] == p {
			delete(m.exchanges, decl.Name)
		}
		m.mu.Unlock()
	}
	p.resolve(struct{}{}, err)
	return err
}

// QueueExists probes queue on a disposable channel dedicated to token. A
// miss closes that channel on the broker side, never a traffic channel.
func (m *Manager) QueueExists(ctx context.Context, token, queue string) bool {
	key := keyFor(token, 1, true)
	ch, err := m.channel(ctx, key)
	if err != nil {
		return false
	}
	if _, err := ch.QueueDeclarePassive(queue, false, false, false, false, nil); err != nil {
		m.mu.Lock()
		delete(m.channels, key)
		m.mu.Unlock()
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		return false
	}
	return true
}
