package fieldstore

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

type projectKey struct {
	tenant  string
	project string
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	projects  map[projectKey]Snapshot
	revisions map[projectKey][]Revision
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:  make(map[projectKey]Snapshot),
		revisions: make(map[projectKey][]Revision),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of the project's fields.
func (s *MemoryStore) Get(_ context.Context, tenantID, projectID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.projects[projectKey{tenantID, projectID}]
	if !ok {
		return Snapshot{TenantID: tenantID, ProjectID: projectID, Fields: slot.Fields{}}, nil
	}
	snap.Fields = maps.Clone(snap.Fields)
	return snap, nil
}

// Apply writes the mutation under the store lock.
func (s *MemoryStore) Apply(_ context.Context, m Mutation) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := projectKey{m.TenantID, m.ProjectID}
	snap, ok := s.projects[key]
	if !ok {
		snap = Snapshot{TenantID: m.TenantID, ProjectID: m.ProjectID, Fields: slot.Fields{}}
	}

	if m.ExpectedVersion != AnyVersion && m.ExpectedVersion != snap.Version {
		return Snapshot{}, model.NewConflictError(
			fmt.Sprintf("project %q version conflict (expected %d, got %d)", m.ProjectID, m.ExpectedVersion, snap.Version),
		)
	}

	fields := maps.Clone(snap.Fields)
	for k, v := range m.Writes {
		if v == "" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}

	snap.Fields = fields
	snap.Version++
	snap.UpdatedAt = s.now()
	s.projects[key] = snap

	s.revisions[key] = append(s.revisions[key], Revision{
		ID:        uuid.NewString(),
		ProjectID: m.ProjectID,
		Version:   snap.Version,
		ActorID:   m.ActorID,
		Reason:    m.Reason,
		Writes:    maps.Clone(m.Writes),
		CreatedAt: snap.UpdatedAt,
	})

	snap.Fields = maps.Clone(fields)
	return snap, nil
}

// Delete removes keys by prefix.
func (s *MemoryStore) Delete(_ context.Context, tenantID, projectID, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := projectKey{tenantID, projectID}
	snap, ok := s.projects[key]
	if !ok {
		return 0, nil
	}

	if prefix == "" {
		n := len(snap.Fields)
		delete(s.projects, key)
		delete(s.revisions, key)
		return n, nil
	}

	fields := maps.Clone(snap.Fields)
	removed := 0
	for k := range fields {
		if strings.HasPrefix(k, prefix) {
			delete(fields, k)
			removed++
		}
	}
	if removed > 0 {
		snap.Fields = fields
		snap.Version++
		snap.UpdatedAt = s.now()
		s.projects[key] = snap
	}
	return removed, nil
}

// History returns revisions newest first.
func (s *MemoryStore) History(_ context.Context, tenantID, projectID string, limit int) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs := s.revisions[projectKey{tenantID, projectID}]
	out := make([]Revision, 0, len(revs))
	for i := len(revs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, revs[i])
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
