package intent

import (
	"sync"
)

// Registry tracks live intents by id. Terminal intents are retained so
// their outcome stays queryable until evicted; retry matching relies on
// the id being resolvable after the synchronous call returned.
type Registry struct {
	mu      sync.RWMutex
	intents map[string]*Intent
}

// NewRegistry creates an empty intent registry.
func NewRegistry() *Registry {
	return &Registry{intents: make(map[string]*Intent)}
}

// Put stores an intent.
func (r *Registry) Put(i *Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *i
	r.intents[i.ID] = &copied
}

// Get returns a copy of the intent with the given id.
func (r *Registry) Get(id string) (*Intent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.intents[id]
	if !ok {
		return nil, false
	}
	copied := *i
	return &copied, true
}

// Update applies fn to the intent under the registry lock and returns
// the updated copy. Concurrent operations on the same intent are
// serialized here.
func (r *Registry) Update(id string, fn func(*Intent) error) (*Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if err := fn(i); err != nil {
		return nil, err
	}
	copied := *i
	return &copied, nil
}

// Evict removes an intent from the registry.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.intents, id)
}
