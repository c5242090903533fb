package catalog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/model"
)

// Source supplies catalog documents for a snapshot.
type Source interface {
	Documents(ctx context.Context) ([]model.CatalogDocument, error)
}

// DirSource loads catalog files from local directories.
type DirSource struct {
	Loader      *Loader
	Directories []string
}

// Documents implements Source.
func (s DirSource) Documents(context.Context) ([]model.CatalogDocument, error) {
	return s.Loader.LoadAll(s.Directories)
}

// ValidationError wraps the problems that blocked a reload.
type ValidationError struct {
	Errors []VError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "catalog validation: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("catalog validation: %d errors, first: %s", len(e.Errors), e.Errors[0].Error())
}

// Reloader rebuilds the registry from its sources. A failed load or
// validation leaves the previous snapshot in place.
type Reloader struct {
	registry  *Registry
	validator *Validator
	sources   []Source
	logger    *zap.Logger
	onReload  func(*Index)
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithReloadLogger sets the logger used for reload events.
func WithReloadLogger(l *zap.Logger) ReloaderOption {
	return func(r *Reloader) { r.logger = l }
}

// OnReload registers a callback invoked after each successful swap.
func OnReload(fn func(*Index)) ReloaderOption {
	return func(r *Reloader) { r.onReload = fn }
}

// NewReloader creates a Reloader over the given sources.
func NewReloader(registry *Registry, validator *Validator, sources []Source, opts ...ReloaderOption) *Reloader {
	r := &Reloader{
		registry:  registry,
		validator: validator,
		sources:   sources,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reload loads every source, validates the result and swaps the snapshot
// when its checksum differs from the current one. It reports whether a swap
// happened.
func (r *Reloader) Reload(ctx context.Context) (bool, error) {
	var docs []model.CatalogDocument
	for _, src := range r.sources {
		d, err := src.Documents(ctx)
		if err != nil {
			return false, fmt.Errorf("catalog reload: %w", err)
		}
		docs = append(docs, d...)
	}

	if verrs := r.validator.Validate(docs); len(verrs) > 0 {
		for _, ve := range verrs {
			r.logger.Warn("catalog validation error", zap.String("error", ve.Error()))
		}
		return false, &ValidationError{Errors: verrs}
	}

	next := NewIndex(docs)
	if cur := r.registry.Current(); cur != nil && cur.Checksum() == next.Checksum() {
		r.logger.Debug("catalog unchanged", zap.String("checksum", next.Checksum()))
		return false, nil
	}

	r.registry.snap.Store(next)
	r.logger.Info("catalog reloaded",
		zap.Int("documents", len(docs)),
		zap.Int("entries", next.Len()),
		zap.String("checksum", next.Checksum()),
	)
	if r.onReload != nil {
		r.onReload(next)
	}
	return true, nil
}
