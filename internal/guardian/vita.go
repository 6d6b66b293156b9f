package guardian

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

var processingKeywords = []string{
	"processing", "crash", "failure", "exception", "error", "timeout",
}

// Repair event types.
const (
	EventProcessingError   = "processing_error"
	EventRetryQueueStuck   = "retry_queue_stuck"
	EventCalendarCorrupted = "calendar_corrupted"
	EventLockFailed        = "lock_failed"
	EventClientMalformed   = "client_malformed"
)

type RepairAction string

const (
	RepairMonitoring RepairAction = "monitoring"
	RepairRepaired   RepairAction = "repaired"
	RepairNone       RepairAction = "no_repair"
	RepairError      RepairAction = "error"
)

type RepairResult struct {
	Action       RepairAction `json:"action"`
	EventType    string       `json:"event_type"`
	FailureCount int          `json:"failure_count,omitempty"`
	ItemsReset   int64        `json:"items_reset,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// RetryMaintainer is the part of the retry queue Vita repairs.
type RetryMaintainer interface {
	ResetStuck(ctx context.Context, tenantID uuid.UUID, timeout time.Duration) (int64, error)
	List(ctx context.Context, filter model.RetryFilter) ([]*model.RetryQueueItem, error)
}

// Vita counts recoverable failures per event key and repairs once a key
// keeps failing.
type Vita struct {
	tenantID     uuid.UUID
	retries      RetryMaintainer
	repairs      repository.RepairLogRepository
	audit        audit.Logger
	failures     Counter
	threshold    int
	stuckTimeout time.Duration
	log          *logger.Logger
	metrics      *metrics.Metrics
}

func NewVita(
	tenantID uuid.UUID,
	retries RetryMaintainer,
	repairs repository.RepairLogRepository,
	auditLog audit.Logger,
	failures Counter,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Vita {
	cfg = cfg.withDefaults()
	return &Vita{
		tenantID:     tenantID,
		retries:      retries,
		repairs:      repairs,
		audit:        auditLog,
		failures:     failures,
		threshold:    cfg.RepairThreshold,
		stuckTimeout: cfg.StuckTimeout,
		log:          log.WithFields(map[string]interface{}{"guardian": NameVita, "tenant_id": tenantID.String()}),
		metrics:      m,
	}
}

func (v *Vita) ReceiveEvent(ctx context.Context, action string, metadata model.JSONMap) {
	defer recoverGuardian(v.log, NameVita, v.tenantID)

	if containsAny(errorText(metadata), processingKeywords) {
		v.RepairAction(ctx, EventProcessingError, metadata)
	}

	v.audit.LogEvent(ctx, audit.Event{
		TenantID:     v.tenantID,
		Action:       model.AuditActionVitaPrefix + action,
		ResourceType: model.AuditResourceGuardian,
		Metadata:     metadata,
	})
}

// RepairAction debounces by event key and dispatches on eventType once the
// key reaches the repair threshold.
func (v *Vita) RepairAction(ctx context.Context, eventType string, metadata model.JSONMap) RepairResult {
	key := eventKey(eventType, metadata)
	count, err := v.failures.Increment(ctx, key)
	if err != nil {
		v.log.Warn(err, "Failed to count failure", "event_key", key, "operation", "count_failure")
		v.record(ctx, eventType, "error", err, nil)
		return RepairResult{Action: RepairError, EventType: eventType, Error: err.Error()}
	}
	if count < v.threshold {
		return RepairResult{Action: RepairMonitoring, EventType: eventType, FailureCount: count}
	}

	var result RepairResult
	switch eventType {
	case EventProcessingError:
		result = v.flushRetryQueue(ctx)
		v.record(ctx, EventProcessingError, "retry_queue_flush", resultErr(result), nil)
	case EventRetryQueueStuck:
		result = v.flushRetryQueue(ctx)
	case EventCalendarCorrupted:
		result = v.placeholderRepair(ctx, eventType, "verify_recreate", metadata, "event_id")
	case EventLockFailed:
		result = v.placeholderRepair(ctx, eventType, "reset_lock", metadata, "gmail_message_id")
	case EventClientMalformed:
		result = v.placeholderRepair(ctx, eventType, "validate_fix", metadata, "client_id")
	default:
		return RepairResult{Action: RepairNone, EventType: eventType, FailureCount: count}
	}

	result.EventType = eventType
	result.FailureCount = count
	v.metrics.RepairAttempts.WithLabelValues(eventType, string(result.Action)).Inc()
	return result
}

// flushRetryQueue returns this tenant's stuck processing items to pending.
func (v *Vita) flushRetryQueue(ctx context.Context) RepairResult {
	n, err := v.retries.ResetStuck(ctx, v.tenantID, v.stuckTimeout)
	v.record(ctx, EventRetryQueueStuck, "flush_stuck_items", err, model.JSONMap{"items_reset": n})
	if err != nil {
		return RepairResult{Action: RepairError, Error: err.Error()}
	}
	return RepairResult{Action: RepairRepaired, ItemsReset: n}
}

// placeholderRepair records intent for remediations owned by other systems.
func (v *Vita) placeholderRepair(ctx context.Context, eventType, actionTaken string, metadata model.JSONMap, subjectKey string) RepairResult {
	var extra model.JSONMap
	if subject := metadata.String(subjectKey); subject != "" {
		extra = model.JSONMap{subjectKey: subject}
	}
	v.record(ctx, eventType, actionTaken, nil, extra)
	return RepairResult{Action: RepairRepaired}
}

func (v *Vita) record(ctx context.Context, event, actionTaken string, cause error, metadata model.JSONMap) {
	entry := &model.RepairLogEntry{
		TenantID:    v.tenantID,
		Event:       event,
		ActionTaken: actionTaken,
		Success:     cause == nil,
		Metadata:    metadata,
	}
	if cause != nil {
		msg := cause.Error()
		entry.ErrorMessage = &msg
	}
	if err := v.repairs.Create(ctx, entry); err != nil {
		v.log.Warn(err, "Failed to write repair log", "event", event, "operation", "log_repair")
	}

	ev := audit.Event{
		TenantID:     v.tenantID,
		Action:       model.AuditActionVitaRepair,
		ResourceType: model.AuditResourceGuardian,
		Level:        model.AuditLevelInfo,
		Metadata:     model.JSONMap{"event": event, "action_taken": actionTaken},
	}
	if cause != nil {
		ev.Action = model.AuditActionVitaRepairFailed
		ev.Level = model.AuditLevelError
		ev.Metadata["error"] = cause.Error()
	}
	v.audit.LogEvent(ctx, ev)
}

func (v *Vita) SelfCheck(ctx context.Context) model.HealthResult {
	if _, err := v.retries.List(ctx, model.RetryFilter{
		TenantID:   v.tenantID,
		Pagination: model.Pagination{Limit: 1},
	}); err != nil {
		return model.HealthResult{Guardian: NameVita, Status: model.HealthDegraded, Details: "retry queue: " + err.Error()}
	}
	if _, err := v.repairs.ListRecent(ctx, v.tenantID, 1); err != nil {
		return model.HealthResult{Guardian: NameVita, Status: model.HealthDegraded, Details: "repair log: " + err.Error()}
	}
	return model.HealthResult{Guardian: NameVita, Status: model.HealthHealthy}
}

func eventKey(eventType string, metadata model.JSONMap) string {
	if id := metadata.String("thread_id"); id != "" {
		return id
	}
	if id := metadata.String("gmail_message_id"); id != "" {
		return id
	}
	return eventType
}

type resultError string

func (e resultError) Error() string { return string(e) }

func resultErr(r RepairResult) error {
	if r.Action == RepairError {
		return resultError(r.Error)
	}
	return nil
}
