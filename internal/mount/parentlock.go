package mount

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// parentLock guards the parent snapshot. Checkout takes it exclusively with
// a bounded wait so a second checkout fails fast instead of queueing behind
// a long-running one; readers (diff, partial checkout) share it.
type parentLock struct {
	sem *semaphore.Weighted
}

// The writer acquires the full weight, so it needs every reader slot free.
const parentLockWeight = 1 << 30

func newParentLock() *parentLock {
	return &parentLock{sem: semaphore.NewWeighted(parentLockWeight)}
}

// acquireExclusive takes the write side, waiting at most timeout.
func (l *parentLock) acquireExclusive(ctx context.Context, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return l.sem.Acquire(tctx, parentLockWeight)
}

func (l *parentLock) releaseExclusive() {
	l.sem.Release(parentLockWeight)
}

// acquireShared takes a read slot.
func (l *parentLock) acquireShared(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *parentLock) releaseShared() {
	l.sem.Release(1)
}
