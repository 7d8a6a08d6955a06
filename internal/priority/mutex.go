// Package priority implements the two-level priority mutex that lets block
// validation preempt mempool/transaction work.
package priority

import (
	"context"
	"sync"
)

// Priority orders waiters; High always drains before Low on release.
type Priority int

const (
	High Priority = iota
	Low
	numPriorities
)

// Mutex is a mutual-exclusion primitive with exactly two priorities. Among
// waiters, the highest priority acquires next on release; ties within a
// priority are broken FIFO. No starvation avoidance is attempted — a
// constant stream of High acquires can starve Low indefinitely, by design
// (block validation must never wait behind mempool work).
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters [numPriorities][]chan struct{}
}

// New creates an unlocked priority mutex.
func New() *Mutex {
	return &Mutex{}
}

// Acquire blocks until the caller holds the lock, or ctx is done first. On
// context cancellation while still queued, the caller is removed from the
// wait queue and never holds the lock. If cancellation races with the lock
// being granted, Acquire takes the lock momentarily and immediately releases
// it to the next waiter before returning ctx.Err(), so no grant is lost.
func (m *Mutex) Acquire(ctx context.Context, p Priority) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{}, 1)
	m.waiters[p] = append(m.waiters[p], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		q := m.waiters[p]
		for i, w := range q {
			if w == ch {
				m.waiters[p] = append(q[:i:i], q[i+1:]...)
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		m.mu.Unlock()
		// Granted concurrently with our cancellation: we now hold the lock
		// and must pass it on rather than leak it.
		<-ch
		m.Release()
		return ctx.Err()
	}
}

// MustAcquire blocks uninterruptibly until the lock is held. Convenience for
// callers that never cancel (the add_block critical section is not
// cancellable once entered).
func (m *Mutex) MustAcquire(p Priority) {
	_ = m.Acquire(context.Background(), p)
}

// Release hands the lock to the highest-priority waiter (FIFO within that
// priority), or marks the mutex free if no one is waiting.
func (m *Mutex) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p := Priority(0); p < numPriorities; p++ {
		if len(m.waiters[p]) == 0 {
			continue
		}
		ch := m.waiters[p][0]
		m.waiters[p] = m.waiters[p][1:]
		ch <- struct{}{}
		return
	}
	m.locked = false
}
