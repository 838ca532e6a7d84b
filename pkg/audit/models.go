// Package audit records who triggered which admin action on the sync
// server: manifest applies, reconcile ticks, job and sync runs, planning
// passes. Events are written after the handler returns and never fail the
// request.
package audit

import (
	"time"

	"gorm.io/datatypes"
)

// Outcomes of an audited request.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Event is the GORM model for one audited admin request.
type Event struct {
	ID             string         `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RequestID      string         `gorm:"column:request_id;index" json:"requestId,omitempty"`
	Actor          string         `gorm:"column:actor;not null;index:idx_audit_actor_time,priority:1" json:"actor"`
	Resource       string         `gorm:"column:resource;not null;index:idx_audit_resource_time,priority:1" json:"resource"`
	ResourceID     string         `gorm:"column:resource_id" json:"resourceId,omitempty"`
	Action         string         `gorm:"column:action;not null" json:"action"`
	Method         string         `gorm:"column:method;not null" json:"method"`
	Path           string         `gorm:"column:path;not null" json:"path"`
	Outcome        string         `gorm:"column:outcome;not null" json:"outcome"`
	StatusCode     int            `gorm:"column:status_code" json:"statusCode"`
	DurationMillis int64          `gorm:"column:duration_millis" json:"durationMillis"`
	Metadata       datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index:idx_audit_actor_time,priority:2;index:idx_audit_resource_time,priority:2;index:idx_audit_time" json:"createdAt"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "sync_audit_events" }
