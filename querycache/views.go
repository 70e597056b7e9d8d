package querycache

import "sync"

// ViewRegistry tracks which resource ids are currently on screen. The
// invalidation bridge consults it so push messages about resources nobody is
// looking at never trigger a refetch.
type ViewRegistry struct {
	mu     sync.RWMutex
	active map[string]int // id -> number of mounted views
}

func NewViewRegistry() *ViewRegistry {
	return &ViewRegistry{active: make(map[string]int)}
}

// Activate marks id as viewed and returns its deactivate function. Mounting
// the same id twice requires two deactivations, matching view lifecycles.
func (r *ViewRegistry) Activate(id string) (deactivate func()) {
	r.mu.Lock()
	r.active[id]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.active[id] <= 1 {
				delete(r.active, id)
				return
			}
			r.active[id]--
		})
	}
}

// IsActive reports whether any mounted view shows id.
func (r *ViewRegistry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[id]
	return ok
}
