package confirmation

import (
	"sort"
	"sync"
)

// registry maps correlation references to tracked attempts. It only guards
// the map; each attempt's state is owned by its tracker.
type registry struct {
	mu       sync.RWMutex
	trackers map[string]*tracker
}

func newRegistry() *registry {
	return &registry{trackers: make(map[string]*tracker)}
}

func (r *registry) insert(t *tracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := t.reference()
	if _, exists := r.trackers[ref]; exists {
		return ErrDuplicateReference
	}
	r.trackers[ref] = t
	return nil
}

func (r *registry) get(ref string) (*tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[ref]
	return t, ok
}

func (r *registry) findByGatewayReference(gatewayRef string) (*tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.trackers {
		if t.snapshot().GatewayReference == gatewayRef {
			return t, true
		}
	}
	return nil, false
}

func (r *registry) remove(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, ref)
}

// list returns trackers oldest first.
func (r *registry) list() []*tracker {
	r.mu.RLock()
	out := make([]*tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}
