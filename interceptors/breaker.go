package interceptors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/carotte-go/contracts"
)

// ErrCircuitOpen is returned without calling next while a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError reports a call rejected by an open breaker.
type OpenError struct {
	Qualifier string
	Failures  int
	NextProbe time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%v for %s after %d failures, next probe at %s",
		ErrCircuitOpen, e.Qualifier, e.Failures, e.NextProbe.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithFailureThreshold sets the consecutive failures opening the breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		b.failureThreshold = n
	}
}

// WithSuccessThreshold sets the probe successes closing a half-open breaker.
func WithSuccessThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		b.successThreshold = n
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing.
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.openTimeout = d
	}
}

// WithStateChange registers a callback run on every transition. It is
// called with the breaker lock held and must not call back into it.
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker stops outgoing calls after repeated failures and lets a limited
// number of probes through once the open timeout expired.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   int

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	onChange         func(from, to BreakerState)

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		failureThreshold: 5,
		successThreshold: 1,
		openTimeout:      30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by Record.
func (b *Breaker) Allow(qualifier string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		next := b.openedAt.Add(b.openTimeout)
		if b.now().Before(next) {
			return &OpenError{Qualifier: qualifier, Failures: b.failures, NextProbe: next}
		}
		b.transition(BreakerHalfOpen)
		b.successes = 0
		b.probing = 1
	case BreakerHalfOpen:
		if b.probing >= b.successThreshold {
			return &OpenError{Qualifier: qualifier, Failures: b.failures, NextProbe: b.now()}
		}
		b.probing++
	}
	return nil
}

// Record accounts the outcome of an allowed call.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.failures++
		if b.state == BreakerHalfOpen || b.failures >= b.failureThreshold {
			b.openedAt = b.now()
			b.probing = 0
			b.transition(BreakerOpen)
		}
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		b.probing--
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.probing = 0
			b.transition(BreakerClosed)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// BreakerPlugin guards publishes and invokes with breaker. Answers carrying
// a status below 500 are the callee's verdict and do not count as failures.
func BreakerPlugin(breaker *Breaker) Plugin {
	hook := func(ctx context.Context, call *Call, next Next) (any, error) {
		if err := breaker.Allow(call.Qualifier); err != nil {
			return nil, err
		}
		result, err := next(ctx, call)
		breaker.Record(countsAsFailure(err))
		return result, err
	}
	return Plugin{
		Name:      "circuit-breaker",
		OnPublish: hook,
		OnInvoke:  hook,
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var coder contracts.StatusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode() >= 500
	}
	return true
}
