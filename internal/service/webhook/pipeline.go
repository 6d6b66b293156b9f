package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/internal/service/idempotency"
	"github.com/jwalitptl/mail-guardian/internal/service/retry"
	apperrors "github.com/jwalitptl/mail-guardian/pkg/errors"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

type Verifier interface {
	Verify(ctx context.Context, token string, tenantID uuid.UUID, traceID string) error
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeRetrying  Outcome = "retry_enqueued"
	OutcomeBlocked   Outcome = "blocked"
)

type Request struct {
	Token    string
	TenantID uuid.UUID
	TraceID  string
	Body     []byte
}

type Result struct {
	Outcome    Outcome           `json:"outcome"`
	MessageID  string            `json:"message_id"`
	ExternalID string            `json:"external_id"`
	RetryID    *uuid.UUID        `json:"retry_id,omitempty"`
	Processing *ProcessingResult `json:"processing,omitempty"`
}

// Pipeline runs verify, decode, replay check, idempotency check and lock
// acquisition before handing a notification to the processor.
type Pipeline struct {
	verifier  Verifier
	replay    *ReplayGuard
	idem      *idempotency.Service
	retries   *retry.Queue
	processor Processor
	audit     audit.Logger
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func NewPipeline(
	verifier Verifier,
	replay *ReplayGuard,
	idem *idempotency.Service,
	retries *retry.Queue,
	processor Processor,
	auditLog audit.Logger,
	log *logger.Logger,
	m *metrics.Metrics,
) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Pipeline{
		verifier:  verifier,
		replay:    replay,
		idem:      idem,
		retries:   retries,
		processor: processor,
		audit:     auditLog,
		log:       log,
		metrics:   m,
	}
}

// Handle returns an error carrying the HTTP status for every rejected
// notification. Processing failures are not errors: they land in the retry
// queue and the notification is acknowledged.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Result, error) {
	timer := prometheus.NewTimer(p.metrics.WebhookLatency)
	defer timer.ObserveDuration()

	res, err := p.handle(ctx, req)
	outcome := "error"
	switch {
	case err == nil:
		outcome = string(res.Outcome)
	case errors.Is(err, ErrReplay):
		outcome = "replay"
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		outcome = "already_processed"
	case errors.Is(err, idempotency.ErrAlreadyLocked):
		outcome = "lock_conflict"
	case errors.Is(err, ErrMalformedPayload):
		outcome = "malformed"
	default:
		var verr *VerificationError
		if errors.As(err, &verr) {
			outcome = "unauthorized"
		}
	}
	p.metrics.WebhookRequests.WithLabelValues(outcome).Inc()
	return res, err
}

func (p *Pipeline) handle(ctx context.Context, req Request) (*Result, error) {
	if err := p.verifier.Verify(ctx, req.Token, req.TenantID, req.TraceID); err != nil {
		return nil, err
	}

	env, err := ParseEnvelope(req.Body)
	if err != nil {
		p.logEvent(ctx, req, "gmail.webhook.parse.error", model.AuditLevelWarning, "", model.JSONMap{"error": err.Error()})
		return nil, err
	}

	fp := ComputeFingerprint(env.MessageID, env.PublishTime, env.RawDataLength)
	replayed, err := p.replay.IsReplay(ctx, fp, req.TenantID)
	if err != nil {
		p.log.Warn(err, "Fingerprint check failed, continuing",
			"tenant_id", req.TenantID.String(),
			"operation", "is_replay")
	}
	if replayed {
		p.logEvent(ctx, req, model.AuditActionWebhookReplay, model.AuditLevelWarning, env.MessageID, model.JSONMap{
			"fingerprint": fp.Hex(),
			"message_id":  env.MessageID,
		})
		return nil, ErrReplay
	}

	externalID := env.ExternalMessageID()
	result := &Result{MessageID: env.MessageID, ExternalID: externalID}

	done, err := p.idem.IsProcessed(ctx, req.TenantID, externalID)
	if err != nil {
		p.log.Warn(err, "Processed marker check failed, continuing",
			"tenant_id", req.TenantID.String(),
			"operation", "is_processed")
	}
	if done {
		return nil, idempotency.ErrAlreadyProcessed
	}

	handle, err := p.idem.AcquireLock(ctx, req.TenantID, externalID)
	if err != nil {
		p.logEvent(ctx, req, "gmail.webhook.lock.failed", model.AuditLevelWarning, externalID, model.JSONMap{
			"error":            err.Error(),
			"gmail_message_id": externalID,
		})
		if errors.Is(err, idempotency.ErrAlreadyLocked) {
			return nil, err
		}
		return nil, apperrors.NewConflict("message lock unavailable", err)
	}
	defer p.idem.Release(ctx, handle)

	// A concurrent delivery may have finished between the first check and
	// the lock.
	done, err = p.idem.IsProcessed(ctx, req.TenantID, externalID)
	if err != nil {
		p.log.Warn(err, "Processed marker re-check failed, continuing",
			"tenant_id", req.TenantID.String(),
			"operation", "is_processed_locked")
	}
	if done {
		return nil, idempotency.ErrAlreadyProcessed
	}

	processing, procErr := p.processor.Process(ctx, env.Payload, req.TenantID, req.TraceID)
	if procErr == nil && processing != nil && processing.Blocked {
		procErr = fmt.Errorf("processing blocked: %s", processing.Reason)
		result.Outcome = OutcomeBlocked
	}
	result.Processing = processing

	if procErr != nil {
		// The retry row must exist before the deferred release runs.
		item, err := p.retries.Enqueue(ctx, retry.EnqueueParams{
			TenantID:     req.TenantID,
			SubjectID:    externalID,
			Context:      retryContext(env),
			ErrorMessage: procErr.Error(),
		})
		if err != nil {
			p.log.Error(err, "Failed to enqueue retry",
				"tenant_id", req.TenantID.String(),
				"external_id", externalID)
			return nil, apperrors.NewInternal(err)
		}
		result.RetryID = &item.ID
		if result.Outcome == "" {
			result.Outcome = OutcomeRetrying
		}
		action := model.AuditActionEmailFailed
		level := model.AuditLevelError
		if result.Outcome == OutcomeBlocked {
			action = model.AuditActionEmailBlocked
			level = model.AuditLevelWarning
		}
		p.logEvent(ctx, req, action, level, externalID, model.JSONMap{
			"error":            procErr.Error(),
			"gmail_message_id": externalID,
			"thread_id":        env.ThreadID(),
			"retry_id":         item.ID.String(),
		})
		return result, nil
	}

	if err := p.idem.MarkProcessed(ctx, req.TenantID, externalID); err != nil {
		p.log.Warn(err, "Failed to write processed marker",
			"tenant_id", req.TenantID.String(),
			"operation", "mark_processed")
	}
	if err := p.replay.Record(ctx, fp, req.TenantID, env.MessageID, model.JSONMap{
		"message_id":       env.MessageID,
		"gmail_message_id": externalID,
		"publish_time":     env.PublishTime,
	}); err != nil {
		p.log.Warn(err, "Failed to record fingerprint",
			"tenant_id", req.TenantID.String(),
			"operation", "record_fingerprint")
	}

	p.logEvent(ctx, req, model.AuditActionEmailProcessed, model.AuditLevelInfo, externalID, model.JSONMap{
		"fingerprint":      fp.Hex(),
		"gmail_message_id": externalID,
		"thread_id":        env.ThreadID(),
	})
	result.Outcome = OutcomeProcessed
	return result, nil
}

func (p *Pipeline) logEvent(ctx context.Context, req Request, action string, level model.AuditLevel, resourceID string, metadata model.JSONMap) {
	if p.audit == nil {
		return
	}
	p.audit.LogEvent(ctx, audit.Event{
		TenantID:     req.TenantID,
		Action:       action,
		ResourceType: model.AuditResourceWebhook,
		ResourceID:   resourceID,
		Level:        level,
		Service:      "email_processor",
		Metadata:     metadata,
		TraceID:      req.TraceID,
	})
}

// ParseEnvelope decodes the push body with strict base64 and requires the
// decoded data to be a JSON object.
func ParseEnvelope(body []byte) (*model.Envelope, error) {
	var push model.PushRequest
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, malformed("invalid JSON body: %v", err)
	}
	msg := push.Message
	if msg.Data == "" {
		return nil, malformed("missing message data")
	}
	if msg.MessageID == "" {
		return nil, malformed("missing messageId")
	}
	if msg.PublishTime == "" {
		return nil, malformed("missing publishTime")
	}
	if _, err := time.Parse(time.RFC3339Nano, msg.PublishTime); err != nil {
		return nil, malformed("invalid publishTime: %v", err)
	}

	decoded, err := base64.StdEncoding.Strict().DecodeString(msg.Data)
	if err != nil {
		return nil, malformed("base64 decode error: %v", err)
	}

	payload := model.JSONMap{}
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, malformed("decoded data is not a JSON object: %v", err)
	}

	return &model.Envelope{
		MessageID:     msg.MessageID,
		PublishTime:   msg.PublishTime,
		RawDataLength: len(msg.Data),
		Payload:       payload,
	}, nil
}

func retryContext(env *model.Envelope) model.JSONMap {
	return model.JSONMap{
		"message_id":   env.MessageID,
		"publish_time": env.PublishTime,
		"thread_id":    env.ThreadID(),
		"payload":      map[string]interface{}(env.Payload),
	}
}
