package store

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process Store. Nothing survives the process.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = bytes.Clone(v)
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, values map[string][]byte) error {
	return m.Update(ctx, values, nil)
}

func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	return m.Update(ctx, nil, keys)
}

func (m *Memory) Update(_ context.Context, set map[string][]byte, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range remove {
		delete(m.data, k)
	}
	for k, v := range set {
		m.data[k] = bytes.Clone(v)
	}
	return nil
}

func (m *Memory) RemoveIf(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if !ok || !bytes.Equal(cur, expected) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) Close() error { return nil }
