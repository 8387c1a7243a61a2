package tracker

import (
	"context"
	"sync"
)

// LockCoordinator serializes mutation of individual orders across the
// push and poll reconciliation paths. Each order id owns a one-slot
// channel used as a mutex, so acquisition blocks on the scheduler
// instead of spin-waiting.
type LockCoordinator struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

// NewLockCoordinator creates an empty coordinator.
func NewLockCoordinator() *LockCoordinator {
	return &LockCoordinator{locks: make(map[int64]chan struct{})}
}

func (l *LockCoordinator) slot(id int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[id] = ch
	}
	return ch
}

// Lock acquires the order's lock, blocking until it is free or ctx is
// done. Every acquisition must be paired with Release on all exit paths.
func (l *LockCoordinator) Lock(ctx context.Context, id int64) error {
	select {
	case l.slot(id) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the order's lock. Releasing an unheld lock is a no-op.
func (l *LockCoordinator) Release(id int64) {
	select {
	case <-l.slot(id):
	default:
	}
}

// IsLocked reports whether the order's lock is currently held.
func (l *LockCoordinator) IsLocked(id int64) bool {
	return len(l.slot(id)) == 1
}

// Reset frees every lock. Called once per completed reconciliation
// pass, after that pass's mutations are merged back; safe because a new
// pass only starts after the previous holder released.
func (l *LockCoordinator) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.locks {
		select {
		case <-ch:
		default:
		}
	}
}

// AddOrders registers lock slots for newly tracked order ids.
func (l *LockCoordinator) AddOrders(ids []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if _, ok := l.locks[id]; !ok {
			l.locks[id] = make(chan struct{}, 1)
		}
	}
}

// RemoveOrders drops lock slots for ids no longer tracked.
func (l *LockCoordinator) RemoveOrders(ids []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.locks, id)
	}
}
