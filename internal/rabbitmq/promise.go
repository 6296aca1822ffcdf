package rabbitmq

import "context"

// promise is a single-assignment result shared by every caller that asked
// for it while it was pending.
type promise[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

func (p *promise[T]) resolve(val T, err error) {
	p.val, p.err = val, err
	close(p.done)
}

func (p *promise[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
