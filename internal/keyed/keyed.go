package keyed

import "sync"

// Manager is a generic thread-safe named object store.
// It replaces hand-written XxxByName structs that all follow
// the same map[string]T + sync.RWMutex pattern: breakers per
// adapter, limiters per key, transports per resource.
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add stores an item under the given name.
func (m *Manager[T]) Add(name string, item T) {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]T)
	}
	m.items[name] = item
	m.mu.Unlock()
}

// Get retrieves the item stored under the given name.
func (m *Manager[T]) Get(name string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[name]
	m.mu.RUnlock()
	return v, ok
}

// GetOrCreate returns the stored item or stores and returns the
// result of create. create runs under the write lock; keep it cheap.
func (m *Manager[T]) GetOrCreate(name string, create func() T) T {
	m.mu.RLock()
	v, ok := m.items[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[name]; ok {
		return v
	}
	if m.items == nil {
		m.items = make(map[string]T)
	}
	v = create()
	m.items[name] = v
	return v
}

// Delete removes the item stored under the given name.
func (m *Manager[T]) Delete(name string) {
	m.mu.Lock()
	delete(m.items, name)
	m.mu.Unlock()
}

// Names returns all names that have items stored.
func (m *Manager[T]) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.items))
	for name := range m.items {
		names = append(names, name)
	}
	return names
}

// Range iterates over all items. Return false from fn to stop early.
func (m *Manager[T]) Range(fn func(name string, item T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, item := range m.items {
		if !fn(name, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear removes all stored items.
func (m *Manager[T]) Clear() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}
