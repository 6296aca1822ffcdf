package reliability

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNextCall(t *testing.T) {
	t.Run("exponential doubles per attempt", func(t *testing.T) {
		headers := amqp.Table{
			"x-retry-strategy": "exponential",
			"x-retry-count":    "2",
			"x-retry-interval": "4",
		}
		assert.Equal(t, 8*time.Millisecond, ComputeNextCall(headers))
	})

	t.Run("direct ignores the count", func(t *testing.T) {
		for _, count := range []string{"1", "3", "10"} {
			headers := amqp.Table{
				"x-retry-strategy": "direct",
				"x-retry-count":    count,
				"x-retry-interval": "10",
			}
			assert.Equal(t, 10*time.Millisecond, ComputeNextCall(headers))
		}
	})

	t.Run("fixed and unknown strategies are constant", func(t *testing.T) {
		assert.Equal(t, 5*time.Millisecond, ComputeNextCall(amqp.Table{"x-retry-strategy": "fixed", "x-retry-count": "4", "x-retry-interval": "5"}))
		assert.Equal(t, 5*time.Millisecond, ComputeNextCall(amqp.Table{"x-retry-interval": int32(5)}))
	})

	t.Run("jitter stays below its range", func(t *testing.T) {
		headers := amqp.Table{"x-retry-count": "1", "x-retry-interval": "10", "x-retry-jitter": "5"}
		for i := 0; i < 50; i++ {
			d := ComputeNextCall(headers)
			assert.GreaterOrEqual(t, d, 10*time.Millisecond)
			assert.Less(t, d, 15*time.Millisecond)
		}
	})

	t.Run("large exponential budgets saturate", func(t *testing.T) {
		largest := time.Duration(math.MaxInt64)
		for _, count := range []string{"63", "64", "65", "200"} {
			headers := amqp.Table{
				"x-retry-strategy": "exponential",
				"x-retry-count":    count,
				"x-retry-interval": "4",
			}
			assert.Equal(t, largest, ComputeNextCall(headers), "count %s", count)
		}
		assert.Equal(t, largest, NextDelay(Exponential, 64, time.Hour, time.Second))
		assert.Zero(t, NextDelay(Exponential, 100, 0, 0))
		assert.Equal(t, 4*time.Millisecond, NextDelay(Exponential, 0, 4*time.Millisecond, 0))
	})
}

func TestIncrementRetryHeaders(t *testing.T) {
	policy := Policy{Max: 3, Strategy: Exponential, Interval: 20 * time.Millisecond}

	t.Run("initializes on first failure", func(t *testing.T) {
		in := amqp.Table{"x-correlation-id": "abc"}
		out := IncrementRetryHeaders(in, policy)

		assert.Equal(t, "1", out["x-retry-count"])
		assert.Equal(t, "3", out["x-retry-max"])
		assert.Equal(t, "exponential", out["x-retry-strategy"])
		assert.Equal(t, "20", out["x-retry-interval"])
		assert.NotContains(t, out, "x-retry-jitter")
		assert.Equal(t, "abc", out["x-correlation-id"])
		assert.NotContains(t, in, "x-retry-count")
	})

	t.Run("keeps the first policy and increments the count", func(t *testing.T) {
		first := IncrementRetryHeaders(amqp.Table{}, policy)
		second := IncrementRetryHeaders(first, Policy{Max: 9, Strategy: Direct, Jitter: time.Millisecond})

		assert.Equal(t, "2", second["x-retry-count"])
		assert.Equal(t, "3", second["x-retry-max"])
		assert.Equal(t, "exponential", second["x-retry-strategy"])
		assert.Equal(t, "1", second["x-retry-jitter"])
	})

	t.Run("accepts numeric counts", func(t *testing.T) {
		out := IncrementRetryHeaders(amqp.Table{"x-retry-count": int64(4)}, policy)
		assert.Equal(t, "5", out["x-retry-count"])
		assert.Equal(t, 5, RetryCount(out))
	})
}

func TestCleanRetryHeaders(t *testing.T) {
	in := IncrementRetryHeaders(amqp.Table{"x-origin-service": "svc"}, Policy{Max: 1, Jitter: time.Millisecond})
	out := CleanRetryHeaders(in)

	assert.Equal(t, amqp.Table{"x-origin-service": "svc"}, out)
	assert.Contains(t, in, "x-retry-count")
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.ErrorIs(t, Policy{Max: -1}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{Strategy: "linear"}.Validate(), ErrInvalidStrategy)
}

func TestRetry(t *testing.T) {
	transient := errors.New("transient")
	isTransient := func(err error) bool { return errors.Is(err, transient) }

	t.Run("retries a transient failure once", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), Once(isTransient), func() error {
			calls++
			if calls == 1 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("never retries twice", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), Once(isTransient), func() error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 2, calls)
	})

	t.Run("permanent errors are returned immediately", func(t *testing.T) {
		calls := 0
		permanent := errors.New("permanent")
		err := Retry(context.Background(), Once(isTransient), func() error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, Once(isTransient), func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
