package guardian

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

var securityKeywords = []string{
	"unauthorized", "forbidden", "authentication", "authorization",
	"token", "credential", "security",
}

type EnforcementAction string

const (
	EnforcementTagged  EnforcementAction = "tagged"
	EnforcementBlocked EnforcementAction = "blocked"
	EnforcementAborted EnforcementAction = "aborted"
)

type EnforcementResult struct {
	Action            EnforcementAction `json:"action"`
	ThreadID          string            `json:"thread_id,omitempty"`
	Severity          model.Severity    `json:"severity"`
	OutputBlocked     bool              `json:"output_blocked,omitempty"`
	ProcessingAborted bool              `json:"processing_aborted,omitempty"`
	LockdownTriggered bool              `json:"lockdown_triggered,omitempty"`
}

// Sentra enforces safety policy for one tenant: it tags unsafe threads and
// escalates repeated security failures to Solin.
type Sentra struct {
	tenantID  uuid.UUID
	unsafe    repository.UnsafeThreadRepository
	audit     audit.Logger
	solin     SafeModeController
	failures  Counter
	rules     *StaticRules
	threshold int
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func NewSentra(
	tenantID uuid.UUID,
	unsafe repository.UnsafeThreadRepository,
	auditLog audit.Logger,
	solin SafeModeController,
	failures Counter,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Sentra {
	cfg = cfg.withDefaults()
	return &Sentra{
		tenantID:  tenantID,
		unsafe:    unsafe,
		audit:     auditLog,
		solin:     solin,
		failures:  failures,
		rules:     NewStaticRules(cfg.AllowedDomains),
		threshold: cfg.SecurityFailureThreshold,
		log:       log.WithFields(map[string]interface{}{"guardian": NameSentra, "tenant_id": tenantID.String()}),
		metrics:   m,
	}
}

func (s *Sentra) ReceiveEvent(ctx context.Context, action string, metadata model.JSONMap) {
	defer recoverGuardian(s.log, NameSentra, s.tenantID)

	errText := errorText(metadata)
	if containsAny(errText, securityKeywords) {
		s.EnforceAction(ctx, ViolationSecurity, "Security error detected: "+metadata.String("error"), metadata)
	}

	s.audit.LogEvent(ctx, audit.Event{
		TenantID:     s.tenantID,
		Action:       model.AuditActionSentraPrefix + action,
		ResourceType: model.AuditResourceGuardian,
		Metadata:     metadata,
	})
}

// EnforceAction tags the thread named in metadata and applies the extra
// behavior of the violation type. It never fails; storage errors are logged.
func (s *Sentra) EnforceAction(ctx context.Context, violationType, reason string, metadata model.JSONMap) EnforcementResult {
	threadID := metadata.String("thread_id")
	result := EnforcementResult{
		Action:   EnforcementTagged,
		ThreadID: threadID,
		Severity: SeverityFor(violationType),
	}
	s.metrics.Violations.WithLabelValues(violationType).Inc()

	if threadID != "" {
		err := s.unsafe.Upsert(ctx, &model.UnsafeThreadTag{
			TenantID:      s.tenantID,
			ThreadID:      threadID,
			Reason:        reason,
			ViolationType: violationType,
			Severity:      result.Severity,
		})
		if err != nil {
			s.log.Warn(err, "Failed to tag unsafe thread", "thread_id", threadID, "operation", "tag_unsafe_thread")
		}
	}

	s.audit.LogEvent(ctx, audit.Event{
		TenantID:     s.tenantID,
		Action:       model.AuditActionSentraViolation,
		ResourceType: model.AuditResourceThread,
		ResourceID:   threadID,
		Level:        model.AuditLevelWarning,
		Metadata: model.JSONMap{
			"violation_type": violationType,
			"severity":       string(result.Severity),
			"reason":         reason,
			"thread_id":      threadID,
		},
	})

	switch violationType {
	case ViolationPromptInjection:
		s.solin.ReceiveEvent(ctx, "sentra.prompt_injection", model.JSONMap{
			"thread_id": threadID,
			"reason":    reason,
		}, false, false)
		result.Action = EnforcementBlocked
		result.OutputBlocked = true

	case ViolationAuthorization, ViolationAuthentication:
		result.Action = EnforcementAborted
		result.ProcessingAborted = true

	case ViolationSecurity:
		if threadID == "" {
			break
		}
		count, err := s.failures.Increment(ctx, threadID)
		if err != nil {
			s.log.Warn(err, "Failed to count security failure", "thread_id", threadID, "operation", "count_failure")
			break
		}
		if count >= s.threshold && !s.solin.IsSafeModeEnabled(ctx) {
			result.LockdownTriggered = s.commandLockdown(ctx, threadID, reason)
		}
	}

	return result
}

func (s *Sentra) commandLockdown(ctx context.Context, threadID, reason string) bool {
	err := s.solin.ActivateSafeMode(ctx,
		fmt.Sprintf("Repeated security failures in thread %s: %s", threadID, reason),
		model.JSONMap{"thread_id": threadID})
	if err != nil {
		s.log.Warn(err, "Lockdown could not be persisted", "thread_id", threadID, "operation", "activate_safe_mode")
	}

	s.audit.LogEvent(ctx, audit.Event{
		TenantID:     s.tenantID,
		Action:       model.AuditActionSentraLockdown,
		ResourceType: model.AuditResourceSystem,
		Level:        model.AuditLevelWarning,
		Metadata:     model.JSONMap{"thread_id": threadID, "reason": reason},
	})
	return true
}

// CheckStaticSafetyRules is a pure scan of outbound text.
func (s *Sentra) CheckStaticSafetyRules(text string) []Violation {
	return s.rules.Check(text)
}

// IsThreadUnsafe fails open: a storage error reads as safe.
func (s *Sentra) IsThreadUnsafe(ctx context.Context, threadID string) bool {
	unsafe, err := s.unsafe.Exists(ctx, s.tenantID, threadID)
	if err != nil {
		s.log.Warn(err, "Unsafe thread check failed, treating as safe", "thread_id", threadID, "operation", "is_thread_unsafe")
		return false
	}
	return unsafe
}

func (s *Sentra) SelfCheck(ctx context.Context) model.HealthResult {
	if _, err := s.unsafe.List(ctx, s.tenantID, model.Pagination{Limit: 1}); err != nil {
		return model.HealthResult{Guardian: NameSentra, Status: model.HealthDegraded, Details: err.Error()}
	}
	return model.HealthResult{Guardian: NameSentra, Status: model.HealthHealthy}
}
