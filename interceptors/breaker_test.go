package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/carotte-go/contracts"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(opts ...BreakerOption) (*Breaker, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(opts...)
	b.now = c.now
	return b, c
}

func TestBreaker(t *testing.T) {
	t.Run("opens after consecutive failures", func(t *testing.T) {
		b, _ := newTestBreaker(WithFailureThreshold(3))
		for i := 0; i < 3; i++ {
			require.NoError(t, b.Allow("direct/x"))
			b.Record(true)
		}
		assert.Equal(t, BreakerOpen, b.State())

		err := b.Allow("direct/x")
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var open *OpenError
		require.ErrorAs(t, err, &open)
		assert.Equal(t, 3, open.Failures)
		assert.Equal(t, "direct/x", open.Qualifier)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		b, _ := newTestBreaker(WithFailureThreshold(2))
		b.Record(true)
		b.Record(false)
		b.Record(true)
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("probes after the open timeout", func(t *testing.T) {
		var transitions []string
		b, c := newTestBreaker(
			WithFailureThreshold(1),
			WithOpenTimeout(time.Minute),
			WithStateChange(func(from, to BreakerState) {
				transitions = append(transitions, from.String()+">"+to.String())
			}),
		)
		b.Record(true)
		c.advance(59 * time.Second)
		assert.Error(t, b.Allow("direct/x"))

		c.advance(time.Second)
		require.NoError(t, b.Allow("direct/x"))
		assert.Equal(t, BreakerHalfOpen, b.State())
		assert.Error(t, b.Allow("direct/x"), "only one probe at a time")

		b.Record(false)
		assert.Equal(t, BreakerClosed, b.State())
		assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		b, c := newTestBreaker(WithFailureThreshold(1), WithOpenTimeout(time.Second))
		b.Record(true)
		c.advance(time.Second)
		require.NoError(t, b.Allow("direct/x"))
		b.Record(true)
		assert.Equal(t, BreakerOpen, b.State())
		assert.Error(t, b.Allow("direct/x"))
	})
}

func TestBreakerPlugin(t *testing.T) {
	b, _ := newTestBreaker(WithFailureThreshold(2))
	chain := NewChain(BreakerPlugin(b))
	fail := func(err error) Next {
		return func(context.Context, *Call) (any, error) { return nil, err }
	}
	call := &Call{Kind: KindInvoke, Qualifier: "direct/users.get"}

	for i := 0; i < 3; i++ {
		_, err := chain.Execute(context.Background(), call, fail(contracts.NewError(404, "not found")))
		assert.Equal(t, 404, contracts.StatusOf(err))
	}
	assert.Equal(t, BreakerClosed, b.State(), "client errors are not failures")

	for i := 0; i < 2; i++ {
		_, err := chain.Execute(context.Background(), call, fail(errors.New("invocation timed out")))
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, b.State())

	called := false
	_, err := chain.Execute(context.Background(), &Call{Kind: KindPublish, Qualifier: "direct/x"}, func(context.Context, *Call) (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	_, err = chain.Execute(context.Background(), &Call{Kind: KindReceive}, func(context.Context, *Call) (any, error) {
		return "handled", nil
	})
	assert.NoError(t, err, "receive is not guarded")
}
