package stats

import "sync"

// StateStore holds per-stream estimator state for one detector.
type StateStore interface {
	Get(key string) (StreamState, bool)
	Put(key string, state StreamState)
	Delete(key string) bool
	Clear() int
	Len() int
	Keys() []string
}

// MemoryStore is the default StateStore: a map owned by a single detector.
// The mutex only serializes readers such as the admin API against the
// owning stage goroutine.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]StreamState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]StreamState)}
}

func (m *MemoryStore) Get(key string) (StreamState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[key]
	return s, ok
}

func (m *MemoryStore) Put(key string, state StreamState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = state
}

func (m *MemoryStore) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[key]
	delete(m.states, key)
	return ok
}

func (m *MemoryStore) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.states)
	m.states = make(map[string]StreamState)
	return n
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.states))
	for k := range m.states {
		keys = append(keys, k)
	}
	return keys
}
