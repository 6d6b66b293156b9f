package model

import (
	"time"

	"github.com/google/uuid"
)

type RetryStatus string

const (
	RetryStatusPending    RetryStatus = "pending"
	RetryStatusProcessing RetryStatus = "processing"
	RetryStatusCompleted  RetryStatus = "completed"
	RetryStatusFailed     RetryStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RetryStatus) Terminal() bool {
	return s == RetryStatusCompleted || s == RetryStatusFailed
}

type RetryQueueItem struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	TenantID       uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	SubjectID      string      `db:"subject_id" json:"subject_id"`
	AccountContext JSONMap     `db:"account_context" json:"account_context"`
	RetryCount     int         `db:"retry_count" json:"retry_count"`
	MaxRetries     int         `db:"max_retries" json:"max_retries"`
	Status         RetryStatus `db:"status" json:"status"`
	ErrorMessage   *string     `db:"error_message" json:"error_message,omitempty"`
	ScheduledAt    time.Time   `db:"scheduled_at" json:"scheduled_at"`
	StartedAt      *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

type RetryFilter struct {
	TenantID uuid.UUID
	Status   RetryStatus
	Pagination
}
