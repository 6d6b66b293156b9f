package model

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// UnsafeThreadTag is a durable safety annotation on a conversation thread.
type UnsafeThreadTag struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TenantID      uuid.UUID `db:"tenant_id" json:"tenant_id"`
	ThreadID      string    `db:"thread_id" json:"thread_id"`
	Reason        string    `db:"reason" json:"reason"`
	ViolationType string    `db:"violation_type" json:"violation_type"`
	Severity      Severity  `db:"severity" json:"severity"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// RepairLogEntry is appended for every repair Vita attempts.
type RepairLogEntry struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TenantID     uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Event        string    `db:"event" json:"event"`
	ActionTaken  string    `db:"action_taken" json:"action_taken"`
	Success      bool      `db:"success" json:"success"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	Metadata     JSONMap   `db:"metadata" json:"metadata"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// SystemState is one row of the per-tenant key/value table.
type SystemState struct {
	TenantID  uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	Reason    string    `db:"reason" json:"reason"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

const (
	StateKeySafeMode      = "safe_mode"
	StateKeyDaemonLastRun = "guardian_daemon.last_run"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthWarning  HealthStatus = "warning"
	HealthSafeMode HealthStatus = "safe_mode"
	HealthCritical HealthStatus = "critical"
	HealthError    HealthStatus = "error"
)

type HealthResult struct {
	Guardian string       `json:"guardian"`
	Status   HealthStatus `json:"status"`
	Details  string       `json:"details,omitempty"`
}
