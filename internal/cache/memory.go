package cache

import (
	"context"
	"sync"
	"time"
)

// cleanupInterval controls how often expired entries are reaped.
const cleanupInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache. Entries past their expiry are invisible
// immediately and reaped by a background goroutine.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	stopGC  chan struct{}
	once    sync.Once
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty cache and starts the cleanup goroutine.
// Call Stop() to clean up the goroutine.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock is NewMemory with an injectable clock, used by tests
// that need to step over expiry boundaries.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     now,
		stopGC:  make(chan struct{}),
	}
	go m.gcLoop()

	return m
}

// Stop terminates the background cleanup goroutine.
func (m *Memory) Stop() {
	m.once.Do(func() { close(m.stopGC) })
}

func (m *Memory) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopGC:
			return
		}
	}
}

func (m *Memory) cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// live returns the entry for key if present and unexpired. Caller holds mu.
func (m *Memory) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}

	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}

	return e, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil, ErrMiss
	}

	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: m.now().Add(ttl),
	}
	m.mu.Unlock()

	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	return nil
}

func (m *Memory) GetDel(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil, ErrMiss
	}

	delete(m.entries, key)

	return e.value, nil
}

func (m *Memory) Update(_ context.Context, key string, fn func(old []byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return ErrMiss
	}

	next, err := fn(append([]byte(nil), e.value...))
	if err != nil {
		return err
	}

	m.entries[key] = memoryEntry{value: append([]byte(nil), next...), expiresAt: e.expiresAt}

	return nil
}
