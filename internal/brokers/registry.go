package brokers

import (
	"sort"
	"sync"

	"github.com/aristath/tradewire/internal/domain"
)

// Registry holds the adapters built at startup. Lookup by kind; no global
// state, tests build their own.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Kind]Adapter)}
}

// Register installs an adapter under its kind, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a kind. Unknown kinds are Validation failures
// so the HTTP layer surfaces them uniformly.
func (r *Registry) Get(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, domain.Errorf(domain.ErrValidation, "unknown broker %q", kind)
	}
	return a, nil
}

// Kinds lists the registered venues, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
