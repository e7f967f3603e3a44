// Package keylock serializes work per string key.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are dropped when no goroutine
// holds or waits on them.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
