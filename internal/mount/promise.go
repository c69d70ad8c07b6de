package mount

import (
	"context"
	"sync"
)

// promise is a single-assignment result cell. The first fulfill wins; every
// waiter observes the same value.
type promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

// fulfill records the result and wakes waiters. Returns false when the
// promise was already fulfilled.
func (p *promise[T]) fulfill(value T, err error) bool {
	fulfilled := false
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
		fulfilled = true
	})
	return fulfilled
}

// wait blocks until the promise is fulfilled or ctx ends.
func (p *promise[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
