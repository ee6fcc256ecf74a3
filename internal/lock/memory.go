package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryManager is a process-local Manager.
type MemoryManager struct {
	mu      sync.Mutex
	held    map[string]chan struct{}
	timeout time.Duration
}

// NewMemoryManager returns a Manager that waits up to timeout per key.
func NewMemoryManager(timeout time.Duration) *MemoryManager {
	return &MemoryManager{held: make(map[string]chan struct{}), timeout: timeout}
}

type memoryHandle struct {
	m    *MemoryManager
	key  string
	done chan struct{}
	once sync.Once
}

func (h *memoryHandle) Key() string { return h.key }

func (h *memoryHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		if h.m.held[h.key] == h.done {
			delete(h.m.held, h.key)
		}
		close(h.done)
	})
	return nil
}

func (m *MemoryManager) Acquire(ctx context.Context, key string) (Handle, error) {
	var expired <-chan time.Time
	if m.timeout > 0 {
		t := time.NewTimer(m.timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		m.mu.Lock()
		busy, ok := m.held[key]
		if !ok {
			done := make(chan struct{})
			m.held[key] = done
			m.mu.Unlock()
			return &memoryHandle{m: m, key: key, done: done}, nil
		}
		m.mu.Unlock()

		if m.timeout <= 0 {
			return nil, fmt.Errorf("%s: %w", key, ErrLocked)
		}
		select {
		case <-busy:
		case <-expired:
			return nil, fmt.Errorf("%s: %w", key, ErrLocked)
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w: %w", key, ErrTimeout, ctx.Err())
		}
	}
}

// Held reports whether key is currently locked.
func (m *MemoryManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}
