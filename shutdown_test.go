package carotte

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/carotte-go/internal/brokertest"
)

func TestShutdown(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent calls share one outcome", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())
		require.NoError(t, c.Publish(ctx, "direct/nobody", nil))

		type outcome struct {
			remaining []string
			err       error
		}
		results := make([]outcome, 2)
		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				remaining, err := c.Shutdown(0)
				results[i] = outcome{remaining: remaining, err: err}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, results[0], results[1])
		assert.NoError(t, results[0].err)
		assert.Empty(t, results[0].remaining)
		assert.Equal(t, 1, broker.ConnectionCloses())

		remaining, err := c.Shutdown(time.Second)
		assert.NoError(t, err)
		assert.Empty(t, remaining)
		assert.Equal(t, 1, broker.ConnectionCloses())
	})

	t.Run("waits for running handlers", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())

		started := make(chan struct{})
		_, err := c.Subscribe(ctx, "direct/slow", func(context.Context, *Message) (any, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			return nil, nil
		})
		require.NoError(t, err)
		require.NoError(t, c.Publish(ctx, "direct/slow", nil))
		<-started

		remaining, err := c.Shutdown(0)
		require.NoError(t, err)
		assert.Equal(t, []string{"direct/slow"}, remaining)
		assert.Zero(t, c.register.Total())
		assert.Empty(t, broker.AckErrors())
		assert.Equal(t, 1, broker.ConnectionCloses())
	})

	t.Run("gives up after the timeout", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())

		started := make(chan struct{})
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		_, err := c.Subscribe(ctx, "direct/stuck", func(context.Context, *Message) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		require.NoError(t, err)
		require.NoError(t, c.Publish(ctx, "direct/stuck", nil))
		<-started

		remaining, err := c.Shutdown(50 * time.Millisecond)
		assert.ErrorIs(t, err, ErrShutdownTimeout)
		assert.Equal(t, []string{"direct/stuck"}, remaining)
		assert.Equal(t, 1, broker.ConnectionCloses())
	})

	t.Run("stops consuming", func(t *testing.T) {
		broker := brokertest.New()
		c := newTestClient(t, broker, testConfig())
		info, err := c.Subscribe(ctx, "direct/idle", func(context.Context, *Message) (any, error) {
			return nil, nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, broker.Consumers(info.Queue))

		_, err = c.Shutdown(0)
		require.NoError(t, err)
		assert.Zero(t, broker.Consumers(info.Queue))
	})
}
