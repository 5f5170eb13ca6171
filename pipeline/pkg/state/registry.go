package state

import (
	"fmt"
	"slices"
	"sync"

	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
)

// Lookup is the read side of a store, as seen by the join stage.
type Lookup interface {
	Get(key string) (*cdc.EntityState, bool)
}

// Registry holds one store per entity name.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

func (r *Registry) Register(s *Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[s.Entity()]; ok {
		return fmt.Errorf("store for entity %q already registered", s.Entity())
	}
	r.stores[s.Entity()] = s
	return nil
}

func (r *Registry) Store(entity string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[entity]
	return s, ok
}

func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
