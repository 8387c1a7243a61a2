package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dextrack/internal/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Factory builds a tracker for a key. Injected by the service root so
// the registry stays free of wiring concerns.
type Factory func(key domain.Key) *OrderTracker

// Registry is a bounded cache of order trackers, one singleton per
// (chain, network, wallet), constructed lazily on first request. The
// bound keeps memory flat when many wallets come and go over a process
// lifetime; an evicted tracker is stopped before removal so its loop
// and subscription never outlive the cache entry.
type Registry struct {
	mu      sync.Mutex
	cache   *lru.Cache[domain.Key, *OrderTracker]
	factory Factory
}

// NewRegistry creates a registry bounded to size trackers.
func NewRegistry(size int, factory Factory) (*Registry, error) {
	cache, err := lru.NewWithEvict[domain.Key, *OrderTracker](size, func(key domain.Key, t *OrderTracker) {
		slog.Info("Tracker evicted", slog.String("key", key.String()))
		t.StopTracking()
	})
	if err != nil {
		return nil, fmt.Errorf("create tracker cache: %w", err)
	}
	return &Registry{cache: cache, factory: factory}, nil
}

// GetOrCreate returns the tracker for the key, constructing, hydrating
// and starting it on first request.
func (r *Registry) GetOrCreate(ctx context.Context, key domain.Key) (*OrderTracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.cache.Get(key); ok {
		return t, nil
	}

	t := r.factory(key)
	if err := t.StartTracking(ctx); err != nil {
		return nil, fmt.Errorf("start tracking %s: %w", key, err)
	}
	r.cache.Add(key, t)
	return t, nil
}

// Get returns the tracker for the key without creating one.
func (r *Registry) Get(key domain.Key) (*OrderTracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Get(key)
}

// Len returns the number of live trackers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Stop stops and removes every tracker.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge() // eviction callback stops each tracker
}
