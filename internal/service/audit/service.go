package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
)

// Event is one entry of the audit stream.
type Event struct {
	TenantID     uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Level        model.AuditLevel
	Service      string
	Metadata     model.JSONMap
	TraceID      string
}

// Logger is what producers of audit events depend on.
type Logger interface {
	LogEvent(ctx context.Context, ev Event)
}

// Forwarder receives every persisted non-guardian event.
type Forwarder interface {
	Forward(ctx context.Context, entry *model.AuditLog)
}

type Service struct {
	repo repository.AuditRepository
	log  *logger.Logger
	now  func() time.Time

	mu        sync.RWMutex
	forwarder Forwarder
}

func NewService(repo repository.AuditRepository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{repo: repo, log: log, now: time.Now}
}

// SetForwarder attaches the guardian manager. The audit service is built
// before the guardians, which themselves write audit events.
func (s *Service) SetForwarder(f Forwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarder = f
}

// LogEvent redacts and persists ev, then forwards it to the guardians. Storage
// failures are logged and never returned to the producer.
func (s *Service) LogEvent(ctx context.Context, ev Event) {
	if ev.Level == "" {
		ev.Level = model.AuditLevelInfo
	}
	if ev.Service == "" {
		ev.Service = ev.ResourceType
	}

	entry := &model.AuditLog{
		ID:           uuid.New(),
		TenantID:     ev.TenantID,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		Level:        ev.Level,
		Service:      ev.Service,
		Metadata:     RedactMetadata(ev.Metadata),
		CreatedAt:    s.now().UTC(),
	}
	if ev.ResourceID != "" {
		entry.ResourceID = &ev.ResourceID
	}
	if ev.TraceID != "" {
		entry.TraceID = &ev.TraceID
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		s.log.Warn(err, "Failed to persist audit event",
			"action", ev.Action,
			"tenant_id", ev.TenantID.String())
	}

	if strings.HasPrefix(ev.Action, model.AuditActionGuardianPrefix) {
		return
	}

	s.mu.RLock()
	f := s.forwarder
	s.mu.RUnlock()
	if f != nil {
		f.Forward(ctx, entry)
	}
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error) {
	return s.repo.List(ctx, tenantID, page)
}

func (s *Service) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.DeleteBefore(ctx, before)
}
