package model

import (
	"time"

	"github.com/google/uuid"
)

type AuditLevel string

const (
	AuditLevelInfo    AuditLevel = "INFO"
	AuditLevelWarning AuditLevel = "WARNING"
	AuditLevelError   AuditLevel = "ERROR"
)

type AuditLog struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	TenantID     uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Action       string     `json:"action" db:"action"`
	ResourceType string     `json:"resource_type" db:"resource_type"`
	ResourceID   *string    `json:"resource_id,omitempty" db:"resource_id"`
	Level        AuditLevel `json:"level" db:"level"`
	Service      string     `json:"service" db:"service"`
	Metadata     JSONMap    `json:"metadata" db:"metadata"`
	TraceID      *string    `json:"trace_id,omitempty" db:"trace_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

const (
	// Pipeline actions
	AuditActionEmailProcessed = "email.processed"
	AuditActionEmailFailed    = "email.processing_failed"
	AuditActionEmailBlocked   = "email.blocked"
	AuditActionWebhookInvalid = "gmail.webhook.jwt.invalid"
	AuditActionWebhookReplay  = "gmail.webhook.replay"

	// Guardian actions share this prefix and are never fed back to the guardians.
	AuditActionGuardianPrefix   = "guardian."
	AuditActionSentraPrefix     = "guardian.sentra."
	AuditActionVitaPrefix       = "guardian.vita."
	AuditActionSolinPrefix      = "guardian.solin."
	AuditActionSafeModeOn       = "guardian.solin.safe_mode.activated"
	AuditActionSafeModeOff      = "guardian.solin.safe_mode.deactivated"
	AuditActionRiskHigh         = "guardian.solin.aegis.high_risk"
	AuditActionSentraViolation  = "guardian.sentra.violation"
	AuditActionSentraLockdown   = "guardian.sentra.system_lockdown"
	AuditActionVitaRepair       = "guardian.vita.repair"
	AuditActionVitaRepairFailed = "guardian.vita.repair_failed"

	// Daemon actions
	AuditActionDaemonRunStart    = "guardian_daemon.run_start"
	AuditActionDaemonRunComplete = "guardian_daemon.run_complete"

	// Resource types
	AuditResourceEmail    = "email"
	AuditResourceWebhook  = "webhook"
	AuditResourceThread   = "thread"
	AuditResourceSystem   = "system"
	AuditResourceRetry    = "retry_queue"
	AuditResourceGuardian = "guardian"
)

// MetricsSummary is the admin view over recent activity.
type MetricsSummary struct {
	TenantID        uuid.UUID `json:"tenant_id"`
	Since           time.Time `json:"since"`
	EmailsProcessed int       `json:"emails_processed"`
	RetryBacklog    int       `json:"retry_backlog"`
	RepairFailures  int       `json:"repair_failures"`
	UnsafeThreads   int       `json:"unsafe_threads"`
}
