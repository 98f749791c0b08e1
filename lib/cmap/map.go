package cmap

import "sync"

// Map is a typed wrapper around sync.Map. Each key is independent, callers that
// need check-then-write on a single key should use LoadOrStore.
type Map[K comparable, V any] struct {
	cMap sync.Map
}

func NewMap[K comparable, V any]() Map[K, V] {
	return Map[K, V]{}
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	v, exists := m.cMap.Load(k)
	if !exists {
		var zero V
		return zero, false
	}

	return v.(V), true
}

func (m *Map[K, V]) Set(k K, v V) {
	m.cMap.Store(k, v)
}

// LoadOrStore returns the existing value for k if present. Otherwise it stores
// and returns v. loaded reports whether the value was already there.
func (m *Map[K, V]) LoadOrStore(k K, v V) (actual V, loaded bool) {
	a, loaded := m.cMap.LoadOrStore(k, v)
	return a.(V), loaded
}
