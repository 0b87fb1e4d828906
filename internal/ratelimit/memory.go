package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	start time.Time
	hits  int64
}

// MemoryStore is an in-process CounterStore.
// Expired windows are removed by Sweep.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counter)}
}

// Increment implements CounterStore.
func (m *MemoryStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	start := windowStart(now, window)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		m.counters[key] = c
	}
	c.hits++
	return c.hits, nil
}

// Reset implements CounterStore.
func (m *MemoryStore) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}

// Sweep drops counters whose window ended before now.
func (m *MemoryStore) Sweep(now time.Time, window time.Duration) int {
	current := windowStart(now, window)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, c := range m.counters {
		if c.start.Before(current) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// RunSweeper sweeps expired windows once per window until ctx is done.
func (m *MemoryStore) RunSweeper(ctx context.Context, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now, window)
		}
	}
}
