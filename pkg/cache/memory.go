package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. It backs local runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]string)}
}

func (m *MemoryStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	return v, ok, nil
}

func (m *MemoryStore) Put(ctx context.Context, namespace, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]string)
		m.data[namespace] = ns
	}
	ns[key] = value
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, ok, err := m.Get(ctx, namespace, key)
	return ok, err
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
