package store

import (
	"strings"
	"sync"
)

// Memory is an in-memory KV for tests. It counts Set calls so tests can
// verify write-coalescing behaviour.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	writes int
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
	}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

func (m *Memory) Set(key string, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(val))
	copy(cp, val)
	m.data[key] = cp
	m.writes++
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) ListKeys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// WriteCount returns how many times Set has been called.
func (m *Memory) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
