package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/messaging"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

// ChannelSafeMode carries SafeModeNotice messages between instances.
const ChannelSafeMode = "guardian.safe_mode"

const (
	safeModeCacheKey   = "safe_mode"
	healthWarningCount = 3
)

// SafeModeNotice is published whenever a tenant's safe mode flips.
type SafeModeNotice struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Enabled  bool      `json:"enabled"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Notifier tells operators about safe mode transitions.
type Notifier interface {
	SafeModeChanged(ctx context.Context, notice SafeModeNotice) error
}

type Observation struct {
	SentraWarnings int       `json:"sentra_warnings"`
	VitaFailures   int       `json:"vita_failures"`
	Threshold      int       `json:"threshold"`
	WindowMinutes  int       `json:"window_minutes"`
	ObservedAt     time.Time `json:"observed_at"`
	Error          string    `json:"error,omitempty"`
}

func (o Observation) toMap() model.JSONMap {
	m := model.JSONMap{
		"sentra_warnings": o.SentraWarnings,
		"vita_failures":   o.VitaFailures,
		"threshold":       o.Threshold,
		"window_minutes":  o.WindowMinutes,
		"observed_at":     o.ObservedAt.Format(time.RFC3339),
	}
	if o.Error != "" {
		m["error"] = o.Error
	}
	return m
}

type HealthReport struct {
	Status          model.HealthStatus `json:"status"`
	SafeModeEnabled bool               `json:"safe_mode_enabled"`
	SafeModeReason  string             `json:"safe_mode_reason,omitempty"`
	Observation     Observation        `json:"observation"`
	CheckedAt       time.Time          `json:"checked_at"`
	Error           string             `json:"error,omitempty"`
}

// Solin routes events to Sentra and Vita and owns the tenant's safe mode flag.
type Solin struct {
	tenantID uuid.UUID
	state    repository.SystemStateRepository
	auditLog repository.AuditRepository
	audit    audit.Logger
	broker   messaging.Broker
	notifier Notifier
	cfg      Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	cache *gocache.Cache

	mu     sync.RWMutex
	reason string
	sentra EventReceiver
	vita   EventReceiver
}

func NewSolin(
	tenantID uuid.UUID,
	state repository.SystemStateRepository,
	auditRepo repository.AuditRepository,
	auditLog audit.Logger,
	broker messaging.Broker,
	notifier Notifier,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Solin {
	cfg = cfg.withDefaults()
	if broker == nil {
		broker = messaging.NopBroker{}
	}
	return &Solin{
		tenantID: tenantID,
		state:    state,
		auditLog: auditRepo,
		audit:    auditLog,
		broker:   broker,
		notifier: notifier,
		cfg:      cfg,
		log:      log.WithFields(map[string]interface{}{"guardian": NameSolin, "tenant_id": tenantID.String()}),
		metrics:  m,
		now:      time.Now,
		cache:    gocache.New(cfg.SafeModeCacheTTL, 2*cfg.SafeModeCacheTTL),
	}
}

// Attach wires the guardians Solin fans out to.
func (s *Solin) Attach(sentra, vita EventReceiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentra = sentra
	s.vita = vita
}

func (s *Solin) ReceiveEvent(ctx context.Context, action string, metadata model.JSONMap, routeToSentra, routeToVita bool) {
	defer recoverGuardian(s.log, NameSolin, s.tenantID)

	s.mu.RLock()
	sentra, vita := s.sentra, s.vita
	s.mu.RUnlock()

	if routeToSentra && sentra != nil {
		sentra.ReceiveEvent(ctx, action, metadata)
	}
	if routeToVita && vita != nil {
		vita.ReceiveEvent(ctx, action, metadata)
	}

	s.audit.LogEvent(ctx, audit.Event{
		TenantID:     s.tenantID,
		Action:       model.AuditActionSolinPrefix + action,
		ResourceType: model.AuditResourceGuardian,
		Metadata:     metadata,
	})
}

// ObserveGuardians counts Sentra warnings and Vita failures inside the
// observation window.
func (s *Solin) ObserveGuardians(ctx context.Context) (Observation, error) {
	now := s.now()
	obs := Observation{
		Threshold:     s.cfg.ObservationThreshold,
		WindowMinutes: int(s.cfg.ObservationWindow / time.Minute),
		ObservedAt:    now,
	}
	since := now.Add(-s.cfg.ObservationWindow)

	warnings, err := s.auditLog.CountSince(ctx, s.tenantID, model.AuditActionSentraPrefix, model.AuditLevelWarning, since)
	if err != nil {
		obs.Error = err.Error()
		return obs, fmt.Errorf("count sentra warnings: %w", err)
	}
	failures, err := s.auditLog.CountSince(ctx, s.tenantID, model.AuditActionVitaPrefix, model.AuditLevelError, since)
	if err != nil {
		obs.Error = err.Error()
		return obs, fmt.Errorf("count vita failures: %w", err)
	}

	obs.SentraWarnings = warnings
	obs.VitaFailures = failures
	return obs, nil
}

// EnforceGlobalRules activates safe mode when either counter reaches the
// observation threshold. It reports whether it activated.
func (s *Solin) EnforceGlobalRules(ctx context.Context) (bool, error) {
	obs, err := s.ObserveGuardians(ctx)
	if err != nil {
		return false, err
	}
	if s.IsSafeModeEnabled(ctx) {
		return false, nil
	}

	var reason string
	switch {
	case obs.SentraWarnings >= obs.Threshold:
		reason = fmt.Sprintf("Repeated Sentra warnings: %d in %d minutes", obs.SentraWarnings, obs.WindowMinutes)
	case obs.VitaFailures >= obs.Threshold:
		reason = fmt.Sprintf("Repeated Vita failures: %d in %d minutes", obs.VitaFailures, obs.WindowMinutes)
	default:
		return false, nil
	}
	return true, s.ActivateSafeMode(ctx, reason, obs.toMap())
}

func (s *Solin) MCPHealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{CheckedAt: s.now()}

	obs, err := s.ObserveGuardians(ctx)
	report.Observation = obs
	if err != nil {
		report.Status = model.HealthDegraded
		report.Error = err.Error()
		return report
	}

	report.SafeModeEnabled = s.IsSafeModeEnabled(ctx)
	report.SafeModeReason = s.Reason()

	switch {
	case report.SafeModeEnabled:
		report.Status = model.HealthSafeMode
	case obs.SentraWarnings >= healthWarningCount || obs.VitaFailures >= healthWarningCount:
		report.Status = model.HealthWarning
	case obs.SentraWarnings > 0 || obs.VitaFailures > 0:
		report.Status = model.HealthDegraded
	default:
		report.Status = model.HealthHealthy
	}
	return report
}

// ActivateSafeMode sets the cached flag first so this instance halts even if
// the durable write fails. The write error is returned.
func (s *Solin) ActivateSafeMode(ctx context.Context, reason string, observation model.JSONMap) error {
	if observation == nil {
		observation = model.JSONMap{}
	}
	return s.transition(ctx, true, reason, model.JSONMap{
		"reason":      reason,
		"observation": map[string]interface{}(observation),
	})
}

func (s *Solin) DeactivateSafeMode(ctx context.Context, reason string) error {
	return s.transition(ctx, false, reason, model.JSONMap{"reason": reason})
}

func (s *Solin) transition(ctx context.Context, enabled bool, reason string, metadata model.JSONMap) error {
	s.setCached(enabled, reason)

	value, action, label := "false", model.AuditActionSafeModeOff, "deactivated"
	if enabled {
		value, action, label = "true", model.AuditActionSafeModeOn, "activated"
	}

	err := s.state.Set(ctx, &model.SystemState{
		TenantID: s.tenantID,
		Key:      model.StateKeySafeMode,
		Value:    value,
		Reason:   reason,
	})
	if err != nil {
		s.log.Error(err, "Failed to persist safe mode", "enabled", enabled, "operation", "set_safe_mode")
		err = fmt.Errorf("persist safe mode: %w", err)
	}

	s.audit.LogEvent(ctx, audit.Event{
		TenantID:     s.tenantID,
		Action:       action,
		ResourceType: model.AuditResourceSystem,
		Level:        model.AuditLevelWarning,
		Metadata:     metadata,
	})
	s.metrics.SafeModeActivations.WithLabelValues(label).Inc()
	s.log.Info("Safe mode "+label, "reason", reason)

	notice := SafeModeNotice{TenantID: s.tenantID, Enabled: enabled, Reason: reason, At: s.now().UTC()}
	if perr := s.broker.Publish(ctx, ChannelSafeMode, notice); perr != nil {
		s.log.Warn(perr, "Failed to publish safe mode notice", "operation", "publish_safe_mode")
	}
	if s.notifier != nil {
		if nerr := s.notifier.SafeModeChanged(ctx, notice); nerr != nil {
			s.log.Warn(nerr, "Failed to notify operators", "operation", "notify_safe_mode")
		}
	}
	return err
}

// SafeModeState reads through the cache to the durable row. A row that was
// never written reads as disabled.
func (s *Solin) SafeModeState(ctx context.Context) (bool, error) {
	if v, ok := s.cache.Get(safeModeCacheKey); ok {
		return v.(bool), nil
	}

	st, err := s.state.Get(ctx, s.tenantID, model.StateKeySafeMode)
	if errors.Is(err, repository.ErrNotFound) {
		s.setCached(false, "")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	enabled := st.Value == "true"
	s.setCached(enabled, st.Reason)
	return enabled, nil
}

// IsSafeModeEnabled resolves storage errors with the configured policy:
// fail open (false) unless SafeModeFailClosed is set.
func (s *Solin) IsSafeModeEnabled(ctx context.Context) bool {
	enabled, err := s.SafeModeState(ctx)
	if err != nil {
		s.log.Warn(err, "Safe mode lookup failed", "fail_closed", s.cfg.SafeModeFailClosed, "operation", "is_safe_mode_enabled")
		return s.cfg.SafeModeFailClosed
	}
	return enabled
}

func (s *Solin) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// HandleRiskSnapshot activates safe mode on critical risk and records high
// risk without acting on it.
func (s *Solin) HandleRiskSnapshot(ctx context.Context, snap *model.TenantRiskSnapshot) error {
	switch snap.RiskLevel {
	case model.RiskCritical:
		return s.ActivateSafeMode(ctx, fmt.Sprintf("Aegis critical risk: %.2f", snap.RiskScore), snapshotMap(snap))
	case model.RiskHigh:
		s.audit.LogEvent(ctx, audit.Event{
			TenantID:     s.tenantID,
			Action:       model.AuditActionRiskHigh,
			ResourceType: model.AuditResourceSystem,
			Level:        model.AuditLevelWarning,
			Metadata:     model.JSONMap{"snapshot": map[string]interface{}(snapshotMap(snap))},
		})
	}
	return nil
}

// applyNotice updates the cache from a peer instance's transition.
func (s *Solin) applyNotice(n SafeModeNotice) {
	s.setCached(n.Enabled, n.Reason)
}

func (s *Solin) setCached(enabled bool, reason string) {
	s.cache.SetDefault(safeModeCacheKey, enabled)
	s.mu.Lock()
	if enabled {
		s.reason = reason
	} else {
		s.reason = ""
	}
	s.mu.Unlock()
}

func snapshotMap(snap *model.TenantRiskSnapshot) model.JSONMap {
	counts := func(c model.RiskCounts) map[string]interface{} {
		return map[string]interface{}{
			"unsafe_threads":   c.UnsafeThreads,
			"retries":          c.Retries,
			"repair_failures":  c.RepairFailures,
			"emails_processed": c.EmailsProcessed,
		}
	}
	return model.JSONMap{
		"tenant_id":    snap.TenantID.String(),
		"window_24h":   counts(snap.Window24h),
		"window_7d":    counts(snap.Window7d),
		"risk_score":   snap.RiskScore,
		"risk_level":   string(snap.RiskLevel),
		"generated_at": snap.GeneratedAt.Format(time.RFC3339),
	}
}
