// Package inflight tracks consumer invocations that have started but not
// finished, so shutdown can drain them.
package inflight

import (
	"fmt"
	"sync"
	"time"
)

// WaitTimeoutError is returned by Wait when work is still running at the
// deadline.
type WaitTimeoutError struct {
	Awaited   []string
	Remaining []string
	Timeout   time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v while waiting for %d in-flight messages to finish", e.Timeout, len(e.Remaining))
}

// Register is a multiset of qualifiers. The same qualifier may be present
// several times when a subscriber runs concurrent invocations.
type Register struct {
	mu      sync.Mutex
	current []string
	drained chan struct{}
}

func New() *Register {
	return &Register{}
}

// Start records one invocation of qualifier.
func (r *Register) Start(qualifier string) {
	r.mu.Lock()
	r.current = append(r.current, qualifier)
	r.mu.Unlock()
}

// Finish removes one occurrence of qualifier. Unknown qualifiers are ignored.
func (r *Register) Finish(qualifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, q := range r.current {
		if q == qualifier {
			r.current = append(r.current[:i], r.current[i+1:]...)
			break
		}
	}
	if len(r.current) == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

// Total returns the number of running invocations.
func (r *Register) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.current)
}

// Snapshot returns a copy of the running qualifiers.
func (r *Register) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.current...)
}

// Wait blocks until the register is empty and returns what was running
// when it was called. A zero timeout waits forever.
func (r *Register) Wait(timeout time.Duration) ([]string, error) {
	r.mu.Lock()
	if len(r.current) == 0 {
		r.mu.Unlock()
		return []string{}, nil
	}
	awaited := append([]string(nil), r.current...)
	if r.drained == nil {
		r.drained = make(chan struct{})
	}
	drained := r.drained
	r.mu.Unlock()

	if timeout <= 0 {
		<-drained
		return awaited, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		return awaited, nil
	case <-timer.C:
		return awaited, &WaitTimeoutError{
			Awaited:   awaited,
			Remaining: r.Snapshot(),
			Timeout:   timeout,
		}
	}
}
