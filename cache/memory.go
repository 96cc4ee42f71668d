package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is a process-local TTL cache. A background janitor drops expired
// entries; lookups also treat an entry as gone from its expiry instant on.
type Memory struct {
	mu      sync.RWMutex
	items   map[string]memoryEntry
	closed  bool
	now     func() time.Time
	cleanup time.Duration

	stop chan struct{}
	done chan struct{}
}

// MemoryOption configures a Memory cache
type MemoryOption func(*Memory)

// WithClock overrides the time source
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithCleanupInterval sets how often expired entries are swept. Zero disables
// the janitor.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.cleanup = d
	}
}

// NewMemory creates a Memory cache and starts its janitor
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items:   make(map[string]memoryEntry),
		now:     time.Now,
		cleanup: time.Minute,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.cleanup > 0 {
		go m.janitor()
	} else {
		close(m.done)
	}
	return m
}

// Get implements Cache
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}
	e, ok := m.items[key]
	if !ok || m.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Put implements Cache
func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if err := checkPut(key, ttl); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.items[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Invalidate implements Cache
func (m *Memory) Invalidate(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.items[key]
	if !ok {
		return false, nil
	}
	delete(m.items, key)
	return !m.expired(e), nil
}

// Len returns the number of stored entries, including expired ones the
// janitor has not swept yet
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Sweep drops every expired entry and returns how many were removed
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.items {
		if m.expired(e) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

// Close stops the janitor. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.items = nil
	m.mu.Unlock()

	if m.cleanup > 0 {
		close(m.stop)
	}
	<-m.done
	return nil
}

func (m *Memory) expired(e memoryEntry) bool {
	return !m.now().Before(e.expiresAt)
}

func (m *Memory) janitor() {
	defer close(m.done)

	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}
