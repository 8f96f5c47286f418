package tracker

import "sync"

// idMap maps a natural key to a tracker-issued id. Entries are only ever
// added: once an entity is known to exist its id is trusted for the life of
// the process.
type idMap[K comparable] struct {
	mu  sync.RWMutex
	ids map[K]string
}

func newIDMap[K comparable]() *idMap[K] {
	return &idMap[K]{ids: make(map[K]string)}
}

func (m *idMap[K]) get(key K) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[key]
	return id, ok
}

func (m *idMap[K]) put(key K, id string) {
	m.mu.Lock()
	m.ids[key] = id
	m.mu.Unlock()
}

func (m *idMap[K]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

type branchKey struct {
	Repository string
	Branch     string
}

// resolutionCache holds the four natural key mappings. Each has its own
// lock; none is held across a network call.
type resolutionCache struct {
	products     *idMap[string]
	users        *idMap[string]
	repositories *idMap[string]
	branches     *idMap[branchKey]
}

func newResolutionCache() *resolutionCache {
	return &resolutionCache{
		products:     newIDMap[string](),
		users:        newIDMap[string](),
		repositories: newIDMap[string](),
		branches:     newIDMap[branchKey](),
	}
}
