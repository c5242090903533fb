package catalog

import (
	"sync/atomic"

	"github.com/pitabwire/voltplan/model"
)

// Registry holds the current catalog snapshot. Readers get an immutable
// Index; Replace swaps in a new one without touching the old.
type Registry struct {
	snap atomic.Pointer[Index]
}

// NewRegistry creates a Registry from the given documents.
func NewRegistry(docs []model.CatalogDocument) *Registry {
	r := &Registry{}
	r.Replace(docs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given documents.
func (r *Registry) Replace(docs []model.CatalogDocument) *Index {
	ix := NewIndex(docs)
	r.snap.Store(ix)
	return ix
}

// Current returns the snapshot in effect.
func (r *Registry) Current() *Index {
	return r.snap.Load()
}

// For returns the current snapshot viewed through a utility's type names.
func (r *Registry) For(utility string) *Index {
	ix := r.Current()
	if utility == "" {
		return ix
	}
	return ix.WithUtility(utility)
}

// Checksum returns the combined checksum of the loaded documents.
func (r *Registry) Checksum() string {
	return r.Current().Checksum()
}

// Loaded reports whether the snapshot holds any entries.
func (r *Registry) Loaded() bool {
	return r.Current().Len() > 0
}
