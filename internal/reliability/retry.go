package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	Direct      Strategy = "direct"
	Exponential Strategy = "exponential"
	Fixed       Strategy = "fixed"
)

// Policy is the per-subscription retry budget. Interval and Jitter travel
// in headers with millisecond precision.
type Policy struct {
	Max      int
	Strategy Strategy
	Interval time.Duration
	Jitter   time.Duration
}

// DefaultPolicy retries five times without delay.
func DefaultPolicy() Policy {
	return Policy{Max: 5, Strategy: Direct}
}

// Validate rejects negative budgets and unknown strategies.
func (p Policy) Validate() error {
	if p.Max < 0 {
		return &PolicyError{Field: "max", Value: p.Max, Err: ErrInvalidPolicy}
	}
	if p.Interval < 0 {
		return &PolicyError{Field: "interval", Value: p.Interval, Err: ErrInvalidPolicy}
	}
	if p.Jitter < 0 {
		return &PolicyError{Field: "jitter", Value: p.Jitter, Err: ErrInvalidPolicy}
	}
	switch p.Strategy {
	case Direct, Exponential, Fixed, "":
		return nil
	}
	return &PolicyError{Field: "strategy", Value: p.Strategy, Err: ErrInvalidStrategy}
}

// NextDelay returns the wait before attempt (1-based) under s.
func NextDelay(s Strategy, attempt int, interval, jitter time.Duration) time.Duration {
	var j time.Duration
	if jitter > 0 {
		j = time.Duration(rand.Int63n(int64(jitter)))
	}
	if s == Exponential {
		return saturatingAdd(doubled(interval, attempt-1), j)
	}
	return saturatingAdd(interval, j)
}

// doubled returns d * 2^n, saturating at the largest duration.
func doubled(d time.Duration, n int) time.Duration {
	for ; n > 0 && d > 0; n-- {
		if d > math.MaxInt64/2 {
			return math.MaxInt64
		}
		d *= 2
	}
	return d
}

func saturatingAdd(a, b time.Duration) time.Duration {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// RetryPolicy decides whether a failed operation is attempted again.
type RetryPolicy interface {
	// ShouldRetry is called with the zero-based attempt that just failed.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// OncePolicy retries a single time, immediately, when the error is
// classified as transient.
type OncePolicy struct {
	Transient func(error) bool
}

// Once returns a policy allowing one immediate retry for transient errors.
func Once(transient func(error) bool) OncePolicy {
	return OncePolicy{Transient: transient}
}

func (o OncePolicy) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt > 0 || o.Transient == nil {
		return false, 0
	}
	return o.Transient(err), 0
}

// Retry executes fn until it succeeds or policy gives up. The last error
// is returned unchanged.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return err
		}
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
