// Package events publishes project change notifications.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

// Event types, appended to the configured subject prefix.
const (
	TypeFieldsChanged        = "fields.changed"
	TypeConfigurationChanged = "configuration.changed"
)

// FieldsChanged is emitted after a mutation is applied to a project.
type FieldsChanged struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	ProjectID  string      `json:"project_id"`
	Version    int64       `json:"version"`
	ActorID    string      `json:"actor_id,omitempty"`
	Writes     slot.Fields `json:"writes"`
	AutoFilled []string    `json:"auto_filled,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// ConfigurationChanged is emitted when a project's classification changes.
type ConfigurationChanged struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant_id"`
	ProjectID     string                 `json:"project_id"`
	Version       int64                  `json:"version"`
	Previous      model.ConfigurationID  `json:"previous,omitempty"`
	Configuration *model.Configuration   `json:"configuration,omitempty"`
	Provisional   bool                   `json:"provisional"`
	Corrections   []model.FactCorrection `json:"corrections,omitempty"`
	ErrorCode     string                 `json:"error_code,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

// NewFieldsChanged stamps a FieldsChanged event with a fresh id.
func NewFieldsChanged(tenantID, projectID string, version int64, writes slot.Fields) FieldsChanged {
	return FieldsChanged{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ProjectID:  projectID,
		Version:    version,
		Writes:     writes,
		OccurredAt: time.Now().UTC(),
	}
}

// NewConfigurationChanged stamps a ConfigurationChanged event with a fresh id.
func NewConfigurationChanged(tenantID, projectID string, version int64) ConfigurationChanged {
	return ConfigurationChanged{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ProjectID:  projectID,
		Version:    version,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers project events.
type Publisher interface {
	PublishFieldsChanged(ctx context.Context, ev FieldsChanged) error
	PublishConfigurationChanged(ctx context.Context, ev ConfigurationChanged) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishFieldsChanged(context.Context, FieldsChanged) error { return nil }

func (Nop) PublishConfigurationChanged(context.Context, ConfigurationChanged) error { return nil }

func (Nop) HealthCheck(context.Context) error { return nil }

func (Nop) Close() error { return nil }
