package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/messaging"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

// Triad is the set of guardians serving one tenant.
type Triad struct {
	Sentra *Sentra
	Vita   *Vita
	Solin  *Solin
}

// Dependencies are shared by every tenant's triad.
type Dependencies struct {
	UnsafeThreads repository.UnsafeThreadRepository
	Repairs       repository.RepairLogRepository
	State         repository.SystemStateRepository
	AuditRepo     repository.AuditRepository
	Audit         audit.Logger
	Retries       RetryMaintainer
	Counters      CounterFactory
	Broker        messaging.Broker
	Notifier      Notifier
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
}

// Registry builds triads on first use and keeps one per tenant for the life
// of the process.
type Registry struct {
	deps Dependencies
	cfg  Config

	mu     sync.Mutex
	triads map[uuid.UUID]*Triad
}

func NewRegistry(deps Dependencies, cfg Config) *Registry {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Counters == nil {
		deps.Counters = MemoryCounters(0, cfg.withDefaults().ObservationWindow)
	}
	return &Registry{deps: deps, cfg: cfg, triads: make(map[uuid.UUID]*Triad)}
}

func (r *Registry) For(tenantID uuid.UUID) *Triad {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.triads[tenantID]; ok {
		return t
	}

	d := r.deps
	solin := NewSolin(tenantID, d.State, d.AuditRepo, d.Audit, d.Broker, d.Notifier, r.cfg, d.Logger, d.Metrics)
	sentra := NewSentra(tenantID, d.UnsafeThreads, d.Audit, solin, d.Counters(tenantID, NameSentra), r.cfg, d.Logger, d.Metrics)
	vita := NewVita(tenantID, d.Retries, d.Repairs, d.Audit, d.Counters(tenantID, NameVita), r.cfg, d.Logger, d.Metrics)
	solin.Attach(sentra, vita)

	t := &Triad{Sentra: sentra, Vita: vita, Solin: solin}
	r.triads[tenantID] = t
	return t
}

// ListenSafeMode applies safe mode transitions published by other instances
// until ctx is cancelled.
func (r *Registry) ListenSafeMode(ctx context.Context) error {
	if r.deps.Broker == nil {
		return nil
	}
	return messaging.Consume(ctx, r.deps.Broker, ChannelSafeMode, func(msg []byte) error {
		var n SafeModeNotice
		if err := json.Unmarshal(msg, &n); err != nil {
			return fmt.Errorf("decode safe mode notice: %w", err)
		}
		r.For(n.TenantID).Solin.applyNotice(n)
		return nil
	}, func(err error) {
		r.deps.Logger.Warn(err, "Dropped safe mode notice", "channel", ChannelSafeMode)
	})
}
