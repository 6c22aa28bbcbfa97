package sources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Ayash-Bera/agregador/internal/models"
)

// ErrUnknownSource is returned when a query names a source that is not registered.
var ErrUnknownSource = errors.New("unknown source")

// Page is one batch returned by an adapter.
type Page struct {
	Results []models.NormalizedResult
	// NextCursor is the adapter's native continuation token. It is opaque to
	// everyone but the adapter that produced it.
	NextCursor string
	Exhausted  bool
	// Total is the upstream's reported result count, or -1 when unknown.
	Total int
}

// Adapter translates a normalized query into calls against one upstream.
// Query must honor ctx and return only *Failure errors.
type Adapter interface {
	Descriptor() models.SourceDescriptor
	Query(ctx context.Context, q models.Query, cursor string, size int) (*Page, error)
	Ping(ctx context.Context) error
}

// Registry holds the adapters built at startup. It is read-only after
// construction finishes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(a Adapter) error {
	name := a.Descriptor().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("source %s already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns every registered source name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns every descriptor in name order.
func (r *Registry) Descriptors() []models.SourceDescriptor {
	names := r.Names()
	out := make([]models.SourceDescriptor, 0, len(names))
	for _, name := range names {
		a, _ := r.Get(name)
		out = append(out, a.Descriptor())
	}
	return out
}

// Select resolves the query's source restriction and category filter against
// the registry. Disabled sources are never selected. Naming an unknown source
// is an error.
func (r *Registry) Select(q models.Query) ([]Adapter, error) {
	for _, name := range q.Sources {
		if _, ok := r.Get(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
		}
	}

	var selected []Adapter
	for _, name := range r.Names() {
		a, _ := r.Get(name)
		d := a.Descriptor()
		if !d.Enabled || !q.AllowsSource(name) || !d.ServesAny(q.Categories) {
			continue
		}
		selected = append(selected, a)
	}
	return selected, nil
}
