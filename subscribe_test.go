package carotte

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/carotte-go/internal/brokertest"
	"github.com/glimte/carotte-go/internal/rabbitmq"
	"github.com/glimte/carotte-go/routing"
)

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	noop := func(context.Context, *Message) (any, error) { return nil, nil }

	t.Run("direct queues are named after the key", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())

		info, err := c.Subscribe(ctx, "direct/users.get", noop)
		require.NoError(t, err)
		assert.Equal(t, "users.get", info.Queue)
		assert.Equal(t, "amq.direct", info.Exchange)
		assert.Equal(t, "users.get", info.RoutingKey)
		assert.NotEmpty(t, info.ConsumerTag)

		durable, autoDelete := broker.QueueDurable("users.get")
		assert.True(t, durable)
		assert.False(t, autoDelete)
		assert.Equal(t, 1, broker.Consumers("users.get"))
	})

	t.Run("topic queues are owned by the service", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())

		info, err := c.Subscribe(ctx, "topic/users.created/audit", noop)
		require.NoError(t, err)
		assert.Equal(t, "test-service:audit", info.Queue)
		assert.Equal(t, []string{"users.created"}, broker.Bindings("amq.topic", "test-service:audit"))
	})

	t.Run("extended topic qualifiers keep the legacy binding", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())

		info, err := c.Subscribe(ctx, "topic/users/created/audit", noop)
		require.NoError(t, err)
		assert.Equal(t, "users.created", info.RoutingKey)
		assert.ElementsMatch(t, []string{"users.created", "users"}, broker.Bindings("amq.topic", info.Queue))
	})

	t.Run("honours queue and exchange options", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())

		info, err := c.Subscribe(ctx, "fanout/events", noop,
			WithSubscribeExchange("events.fanout"),
			WithQueueOptions(routing.QueueOptions{AutoDelete: true}),
			WithPrefetch(3),
		)
		require.NoError(t, err)
		assert.Equal(t, "events.fanout", info.Exchange)
		assert.True(t, broker.HasExchange("events.fanout"))
		durable, autoDelete := broker.QueueDurable(info.Queue)
		assert.False(t, durable)
		assert.True(t, autoDelete)
	})

	t.Run("registers the subscriber", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())

		_, err := c.Subscribe(ctx, "direct/users.get", noop, WithMeta(map[string]any{"description": "get a user"}))
		require.NoError(t, err)
		sub, ok := c.Registry().Subscriber("direct/users.get")
		require.True(t, ok)
		assert.Equal(t, "get a user", sub.Meta["description"])
	})

	t.Run("rejects a nil handler", func(t *testing.T) {
		c := newTestClient(t, brokertest.New(), testConfig())
		_, err := c.Subscribe(ctx, "direct/x", nil)
		assert.ErrorIs(t, err, ErrNilHandler)
	})

	t.Run("rejects an invalid retry policy", func(t *testing.T) {
		c := newTestClient(t, brokertest.New(), testConfig())
		_, err := c.Subscribe(ctx, "direct/x", noop, WithRetry(RetryPolicy{Max: -1}))
		assert.Error(t, err)
	})

	t.Run("times out when the broker does not answer", func(t *testing.T) {
		block := make(chan struct{})
		dialer := func(string, amqp.Config) (rabbitmq.Connection, error) {
			<-block
			return nil, errors.New("unreachable")
		}
		cfg := testConfig()
		cfg.SubscribeTimeout = 50 * time.Millisecond
		c := newTestClient(t, brokertest.New(), cfg, WithDialer(dialer))
		t.Cleanup(func() { close(block) })

		start := time.Now()
		_, err := c.Subscribe(ctx, "direct/x", noop)
		assert.ErrorIs(t, err, ErrSubscribeTimeout)
		assert.Less(t, time.Since(start), time.Second)

		_, listed := c.Registry().Subscriber("direct/x")
		assert.False(t, listed)
	})

	t.Run("failed subscriptions are not registered", func(t *testing.T) {
		broker := brokertest.New()
		broker.FailDials(errors.New("connection refused"))
		c := newTestClient(t, broker, testConfig())

		_, err := c.Subscribe(ctx, "direct/users.get", noop)
		require.Error(t, err)
		_, listed := c.Registry().Subscriber("direct/users.get")
		assert.False(t, listed)
		assert.Empty(t, c.Registry().Snapshot(false).Subscribers)
	})
}

func TestDebugOverlay(t *testing.T) {
	ctx := context.Background()

	t.Run("subscribers use a disposable overlay queue", func(t *testing.T) {
		broker := brokertest.New()
		cfg := testConfig()
		cfg.DebugToken = "dev1"
		c := newTestClient(t, broker, cfg)

		info, err := c.Subscribe(ctx, "direct/overlay", func(context.Context, *Message) (any, error) { return nil, nil })
		require.NoError(t, err)
		assert.Equal(t, "overlay:dev1", info.Queue)
		durable, autoDelete := broker.QueueDurable("overlay:dev1")
		assert.False(t, durable)
		assert.True(t, autoDelete)
		assert.False(t, broker.HasQueue("overlay"))
	})

	t.Run("publishes reach the overlay queue when it exists", func(t *testing.T) {
		broker := brokertest.New()
		cfg := testConfig()
		cfg.DebugToken = "dev1"
		debug := newTestClient(t, broker, cfg)
		regular := newTestClient(t, broker, testConfig())

		var overlaid, plain capture
		_, err := debug.Subscribe(ctx, "direct/overlay", overlaid.handler(nil))
		require.NoError(t, err)
		_, err = regular.Subscribe(ctx, "direct/other", plain.handler(nil))
		require.NoError(t, err)

		require.NoError(t, debug.Publish(ctx, "direct/overlay", nil))
		require.Eventually(t, func() bool { return overlaid.len() == 1 }, waitFor, tick)
		assert.Equal(t, "dev1", overlaid.at(0).Context.DebugToken())

		require.NoError(t, debug.Publish(ctx, "direct/other", nil))
		require.Eventually(t, func() bool { return plain.len() == 1 }, waitFor, tick)

		require.NoError(t, debug.Publish(ctx, "direct/overlay", nil))
		require.Eventually(t, func() bool { return overlaid.len() == 2 }, waitFor, tick)
	})

	t.Run("the token travels with the context", func(t *testing.T) {
		broker := brokertest.New()
		cfg := testConfig()
		cfg.DebugToken = "dev1"
		debug := newTestClient(t, broker, cfg)
		regular := newTestClient(t, broker, testConfig())

		var overlaid capture
		_, err := debug.Subscribe(ctx, "direct/target", overlaid.handler(nil))
		require.NoError(t, err)
		_, err = regular.Subscribe(ctx, "direct/relay", func(ctx context.Context, msg *Message) (any, error) {
			return nil, msg.Publish(ctx, "direct/target", nil)
		})
		require.NoError(t, err)

		require.NoError(t, debug.Publish(ctx, "direct/relay", nil, WithContext(map[string]any{"debugToken": "dev1"})))
		require.Eventually(t, func() bool { return overlaid.len() == 1 }, waitFor, tick)
	})

	t.Run("production ignores the token", func(t *testing.T) {
		broker := brokertest.New()
		cfg := testConfig()
		cfg.DebugToken = "dev1"
		cfg.Environment = "production"
		c := newTestClient(t, broker, cfg)

		info, err := c.Subscribe(ctx, "direct/plain", func(context.Context, *Message) (any, error) { return nil, nil })
		require.NoError(t, err)
		assert.Equal(t, "plain", info.Queue)
		assert.False(t, broker.HasQueue("plain:dev1"))
	})
}
