package carotte_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	carotte "github.com/glimte/carotte-go"
	"github.com/glimte/carotte-go/config"
	"github.com/glimte/carotte-go/internal/brokertest"
)

func TestPublicOptions(t *testing.T) {
	ctx := context.Background()
	broker := brokertest.New()

	var dials atomic.Int32
	var dialer carotte.Dialer = func(url string, cfg amqp.Config) (carotte.Connection, error) {
		dials.Add(1)
		return broker.Dial(url, cfg)
	}

	cfg := config.Default()
	cfg.ServiceName = "api"
	c, err := carotte.New(cfg,
		carotte.WithDialer(dialer),
		carotte.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = c.Shutdown(time.Second) })

	var calls atomic.Int32
	_, err = c.Subscribe(ctx, "direct/flaky", func(context.Context, *carotte.Message) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}, carotte.WithRetry(carotte.RetryPolicy{Max: 1, Strategy: carotte.RetryExponential}))
	require.NoError(t, err)
	assert.Positive(t, dials.Load())

	_, err = c.Invoke(ctx, "direct/flaky", nil)
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return len(broker.Messages("dead-letter")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	_, err = c.Subscribe(ctx, "direct/invalid", func(context.Context, *carotte.Message) (any, error) {
		return nil, nil
	}, carotte.WithRetry(carotte.RetryPolicy{Strategy: carotte.RetryStrategy("sideways")}))
	assert.Error(t, err)
}
