// Package fieldstore persists the flat field map of each project.
package fieldstore

import (
	"context"
	"time"

	"github.com/pitabwire/voltplan/internal/slot"
)

// AnyVersion skips the optimistic version check in Apply.
const AnyVersion int64 = -1

// Snapshot is a project's field map at one version.
type Snapshot struct {
	TenantID  string      `json:"-"`
	ProjectID string      `json:"project_id"`
	Fields    slot.Fields `json:"fields"`
	Version   int64       `json:"version"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Mutation is one atomic batch of field writes. An empty value deletes the
// key.
type Mutation struct {
	TenantID        string
	ProjectID       string
	Writes          slot.Fields
	ExpectedVersion int64
	ActorID         string
	Reason          string
}

// Revision records an applied mutation for the project audit trail.
type Revision struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Version   int64       `json:"version"`
	ActorID   string      `json:"actor_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Writes    slot.Fields `json:"writes"`
	CreatedAt time.Time   `json:"created_at"`
}

// Store persists project field maps.
type Store interface {
	// Get returns the project's fields. Unknown projects read as an empty
	// map at version 0.
	Get(ctx context.Context, tenantID, projectID string) (Snapshot, error)

	// Apply writes every entry of m.Writes or none of them. The stored
	// version must equal m.ExpectedVersion unless it is AnyVersion;
	// otherwise CONFLICT is returned.
	Apply(ctx context.Context, m Mutation) (Snapshot, error)

	// Delete removes every key of the project starting with prefix and
	// returns how many were removed. An empty prefix removes the project.
	Delete(ctx context.Context, tenantID, projectID, prefix string) (int, error)

	// History returns the project's revisions, newest first, at most limit
	// when limit > 0.
	History(ctx context.Context, tenantID, projectID string, limit int) ([]Revision, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
