// Package mirror keeps the local vault checkout and its git remote in step.
// Every mutating operation on the checkout goes through the Coordinator,
// which serializes them behind a single fair lock.
package mirror

import (
	"context"
	"sync"
)

// Locker is a single-holder mutex with FIFO handoff. A goroutine that calls
// Acquire while the lock is held joins a queue and receives the lock in
// arrival order when it is released. Acquire respects context cancellation;
// a cancelled waiter leaves the queue without blocking the waiters behind it.
type Locker struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// NewLocker returns an unheld Locker.
func NewLocker() *Locker {
	return &Locker{}
}

// Acquire blocks until the lock is obtained or ctx is done. On success the
// caller owns the lock and must call Release on every exit path.
func (l *Locker) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == ready {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return ctx.Err()
		}
	}
	// Not in the queue anymore: the handoff won the race against the
	// cancellation, so we briefly own the lock and must pass it on.
	l.handoffLocked()
	return ctx.Err()
}

// TryAcquire takes the lock only when it is immediately free. It never
// jumps the queue: with waiters present the lock is considered taken.
func (l *Locker) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

// Release hands the lock to the oldest waiter, or frees it when the queue
// is empty. Callers should pair Acquire with a deferred Release so the lock
// is returned even when the critical section panics.
func (l *Locker) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handoffLocked()
}

// Held reports whether the lock is currently owned.
func (l *Locker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Locker) handoffLocked() {
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}
