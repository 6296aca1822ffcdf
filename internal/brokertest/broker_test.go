package brokertest

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openChannel(t *testing.T, b *Broker) *Channel {
	t.Helper()
	conn, err := b.Dial("amqp://test", amqp.Config{})
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch.(*Channel)
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d := <-deliveries:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return amqp.Delivery{}
	}
}

func TestRouting(t *testing.T) {
	t.Run("topic wildcards", func(t *testing.T) {
		assert.True(t, topicMatch([]string{"user", "*"}, []string{"user", "created"}))
		assert.False(t, topicMatch([]string{"user", "*"}, []string{"user", "a", "b"}))
		assert.True(t, topicMatch([]string{"user", "#"}, []string{"user"}))
		assert.True(t, topicMatch([]string{"#", "created"}, []string{"a", "b", "created"}))
	})

	t.Run("fanout reaches every bound queue", func(t *testing.T) {
		b := New()
		ch := openChannel(t, b)
		for _, q := range []string{"a", "b"} {
			_, err := ch.QueueDeclare(q, true, false, false, false, nil)
			require.NoError(t, err)
			require.NoError(t, ch.QueueBind(q, "", "amq.fanout", false, nil))
		}
		require.NoError(t, ch.PublishWithContext(context.Background(), "amq.fanout", "", false, false, amqp.Publishing{Body: []byte("x")}))
		assert.Len(t, b.Messages("a"), 1)
		assert.Len(t, b.Messages("b"), 1)
	})

	t.Run("unroutable messages are recorded", func(t *testing.T) {
		b := New()
		ch := openChannel(t, b)
		require.NoError(t, ch.PublishWithContext(context.Background(), "amq.direct", "nobody", false, false, amqp.Publishing{}))
		assert.Len(t, b.Unroutable(), 1)
	})
}

func TestAcknowledgements(t *testing.T) {
	b := New()
	ch := openChannel(t, b)
	_, err := ch.QueueDeclare("q", true, false, false, false, nil)
	require.NoError(t, err)
	deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
	require.NoError(t, err)

	require.NoError(t, b.Inject("", "q", amqp.Publishing{Body: []byte("x")}))
	d := receive(t, deliveries)
	assert.False(t, d.Redelivered)

	require.NoError(t, d.Nack(false, true))
	d = receive(t, deliveries)
	assert.True(t, d.Redelivered)

	require.NoError(t, d.Ack(false))
	assert.Error(t, d.Ack(false))
	assert.Len(t, b.AckErrors(), 1)
	assert.True(t, ch.IsClosed())
}

func TestPassiveDeclareClosesChannel(t *testing.T) {
	b := New()
	ch := openChannel(t, b)
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))

	_, err := ch.QueueDeclarePassive("missing", false, false, false, false, nil)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.NotFound, amqpErr.Code)
	assert.True(t, ch.IsClosed())
	assert.Equal(t, amqp.NotFound, (<-notify).Code)
}

func TestGeneratedAndExclusiveQueues(t *testing.T) {
	b := New()
	conn, err := b.Dial("amqp://test", amqp.Config{})
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)

	q, err := ch.QueueDeclare("", false, false, true, false, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^amq\.gen-`, q.Name)
	assert.True(t, b.HasQueue(q.Name))

	require.NoError(t, conn.Close())
	assert.False(t, b.HasQueue(q.Name))
	assert.Equal(t, 1, b.ConnectionCloses())
}

func TestUnackedAreRequeuedOnClose(t *testing.T) {
	b := New()
	ch := openChannel(t, b)
	_, err := ch.QueueDeclare("q", true, false, false, false, nil)
	require.NoError(t, err)
	deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, b.Inject("", "q", amqp.Publishing{Body: []byte("x")}))
	receive(t, deliveries)

	require.NoError(t, ch.Close())
	msgs := b.Messages("q")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Redelivered)
}
