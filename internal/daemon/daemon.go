// Package daemon runs periodic guardian checks across every active tenant.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/mail-guardian/internal/guardian"
	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

// RiskAnalyzer scores one tenant. NopRiskAnalyzer is used when risk analysis
// is disabled.
type RiskAnalyzer interface {
	AnalyzeTenant(ctx context.Context, tenantID uuid.UUID) (*model.TenantRiskSnapshot, error)
}

type NopRiskAnalyzer struct{}

func (NopRiskAnalyzer) AnalyzeTenant(context.Context, uuid.UUID) (*model.TenantRiskSnapshot, error) {
	return nil, nil
}

type Config struct {
	Interval        time.Duration
	DefaultTenantID uuid.UUID
}

type TenantReport struct {
	TenantID    uuid.UUID                     `json:"tenant_id"`
	Status      model.HealthStatus            `json:"status"`
	Checks      map[string]model.HealthResult `json:"guardian_checks,omitempty"`
	Solin       *guardian.HealthReport        `json:"solin,omitempty"`
	Risk        *model.TenantRiskSnapshot     `json:"aegis_snapshot,omitempty"`
	RulesFired  bool                          `json:"global_rules_fired,omitempty"`
	Error       string                        `json:"error,omitempty"`
	StartedAt   time.Time                     `json:"started_at"`
	CompletedAt time.Time                     `json:"completed_at"`
}

type RunSummary struct {
	Status          model.HealthStatus `json:"status"`
	Message         string             `json:"message"`
	TenantCount     int                `json:"tenant_count"`
	Tenants         []TenantReport     `json:"tenant_results"`
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     time.Time          `json:"completed_at"`
	DurationSeconds float64            `json:"duration_seconds"`
}

type Daemon struct {
	tenants  repository.TenantRepository
	registry *guardian.Registry
	risk     RiskAnalyzer
	state    repository.SystemStateRepository
	audit    audit.Logger
	cfg      Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.RWMutex
	last *RunSummary
}

func New(
	tenants repository.TenantRepository,
	registry *guardian.Registry,
	risk RiskAnalyzer,
	state repository.SystemStateRepository,
	auditLog audit.Logger,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if risk == nil {
		risk = NopRiskAnalyzer{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Daemon{
		tenants:  tenants,
		registry: registry,
		risk:     risk,
		state:    state,
		audit:    auditLog,
		cfg:      cfg,
		log:      log.WithFields(map[string]interface{}{"component": "guardian_daemon"}),
		metrics:  m,
		now:      time.Now,
	}
}

// RunOnce checks every tenant and records the outcome. One tenant failing
// never stops the others.
func (d *Daemon) RunOnce(ctx context.Context) *RunSummary {
	timer := prometheus.NewTimer(d.metrics.DaemonDuration)
	defer timer.ObserveDuration()

	started := d.now().UTC()
	tenantIDs := d.activeTenants(ctx)

	d.logEvent(ctx, model.AuditActionDaemonRunStart, model.AuditLevelInfo, model.JSONMap{
		"active_tenants_count": len(tenantIDs),
	})

	summary := &RunSummary{
		Status:      model.HealthHealthy,
		Message:     "All checks passed",
		TenantCount: len(tenantIDs),
		StartedAt:   started,
	}

	if len(tenantIDs) == 0 {
		summary.Status = model.HealthWarning
		summary.Message = "No active tenants found"
	}

	for _, id := range tenantIDs {
		report := d.processTenant(ctx, id)
		summary.Tenants = append(summary.Tenants, report)

		switch report.Status {
		case model.HealthCritical:
			if summary.Status != model.HealthCritical {
				summary.Status = model.HealthCritical
				summary.Message = fmt.Sprintf("Critical issues detected for tenant %s", id)
			}
		case model.HealthWarning, model.HealthError:
			if summary.Status == model.HealthHealthy {
				summary.Status = model.HealthWarning
				summary.Message = fmt.Sprintf("Warnings detected for tenant %s", id)
			}
		}
	}

	summary.CompletedAt = d.now().UTC()
	summary.DurationSeconds = summary.CompletedAt.Sub(started).Seconds()

	d.persist(ctx, summary)
	d.logEvent(ctx, model.AuditActionDaemonRunComplete, model.AuditLevelInfo, model.JSONMap{
		"overall_status":       string(summary.Status),
		"message":              summary.Message,
		"tenant_count":         summary.TenantCount,
		"duration_seconds":     summary.DurationSeconds,
		"tenant_results_count": len(summary.Tenants),
	})
	d.metrics.DaemonRuns.WithLabelValues(string(summary.Status)).Inc()

	d.mu.Lock()
	d.last = summary
	d.mu.Unlock()

	return summary
}

// RunLoop runs immediately, then every interval until ctx is cancelled.
func (d *Daemon) RunLoop(ctx context.Context) {
	d.log.Info("Guardian daemon started", "interval", d.cfg.Interval.String())

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.safeRun(ctx)

		select {
		case <-ctx.Done():
			d.log.Info("Guardian daemon stopped")
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(fmt.Errorf("panic: %v", r), "Guardian daemon run failed")
		}
	}()
	summary := d.RunOnce(ctx)
	d.log.Info("Guardian daemon run completed", "status", string(summary.Status), "tenants", summary.TenantCount)
}

// LastRun returns the summary of the most recent run in this process, or the
// persisted note from any instance when this one has not run yet.
func (d *Daemon) LastRun(ctx context.Context) (*RunSummary, error) {
	d.mu.RLock()
	last := d.last
	d.mu.RUnlock()
	if last != nil {
		return last, nil
	}

	st, err := d.state.Get(ctx, model.SystemTenantID, model.StateKeyDaemonLastRun)
	if err != nil {
		return nil, err
	}
	var summary RunSummary
	if err := json.Unmarshal([]byte(st.Value), &summary); err != nil {
		return nil, fmt.Errorf("decode last run: %w", err)
	}
	return &summary, nil
}

// activeTenants falls back to the default tenant when enumeration fails or
// finds nothing.
func (d *Daemon) activeTenants(ctx context.Context) []uuid.UUID {
	ids, err := d.tenants.ListActive(ctx)
	if err != nil {
		d.log.Warn(err, "Failed to list tenants, using default tenant", "operation", "list_tenants")
	}
	if len(ids) == 0 && d.cfg.DefaultTenantID != uuid.Nil {
		return []uuid.UUID{d.cfg.DefaultTenantID}
	}
	return ids
}

func (d *Daemon) processTenant(ctx context.Context, tenantID uuid.UUID) (report TenantReport) {
	report = TenantReport{
		TenantID:  tenantID,
		Status:    model.HealthHealthy,
		Checks:    map[string]model.HealthResult{},
		StartedAt: d.now().UTC(),
	}
	defer func() {
		if r := recover(); r != nil {
			report.Status = model.HealthError
			report.Error = fmt.Sprint(r)
			d.log.Error(fmt.Errorf("panic: %v", r), "Tenant check failed", "tenant_id", tenantID.String())
		}
		report.CompletedAt = d.now().UTC()
	}()

	triad := d.registry.For(tenantID)

	for _, res := range []model.HealthResult{triad.Sentra.SelfCheck(ctx), triad.Vita.SelfCheck(ctx)} {
		report.Checks[res.Guardian] = res
		if res.Status != model.HealthHealthy {
			report.Status = model.HealthWarning
		}
	}

	fired, err := triad.Solin.EnforceGlobalRules(ctx)
	if err != nil {
		d.log.Warn(err, "Global rule enforcement failed", "tenant_id", tenantID.String())
	}
	report.RulesFired = fired

	snap, err := d.risk.AnalyzeTenant(ctx, tenantID)
	if err != nil {
		d.log.Warn(err, "Risk analysis failed", "tenant_id", tenantID.String())
	} else if snap != nil {
		report.Risk = snap
		if err := triad.Solin.HandleRiskSnapshot(ctx, snap); err != nil {
			d.log.Warn(err, "Risk snapshot handling failed", "tenant_id", tenantID.String())
		}
	}

	health := triad.Solin.MCPHealthCheck(ctx)
	report.Solin = &health
	report.Checks[guardian.NameSolin] = model.HealthResult{Guardian: guardian.NameSolin, Status: health.Status, Details: health.Error}
	switch health.Status {
	case model.HealthSafeMode:
		report.Status = model.HealthCritical
	case model.HealthWarning:
		if report.Status == model.HealthHealthy {
			report.Status = model.HealthWarning
		}
	}
	return report
}

func (d *Daemon) persist(ctx context.Context, summary *RunSummary) {
	raw, err := json.Marshal(summary)
	if err != nil {
		d.log.Warn(err, "Failed to encode run summary")
		return
	}
	err = d.state.Set(ctx, &model.SystemState{
		TenantID: model.SystemTenantID,
		Key:      model.StateKeyDaemonLastRun,
		Value:    string(raw),
		Reason:   fmt.Sprintf("Guardian daemon run completed: %s", summary.Status),
	})
	if err != nil {
		d.log.Warn(err, "Failed to persist run summary", "operation", "persist_last_run")
	}
}

func (d *Daemon) logEvent(ctx context.Context, action string, level model.AuditLevel, metadata model.JSONMap) {
	if d.audit == nil {
		return
	}
	d.audit.LogEvent(ctx, audit.Event{
		TenantID:     model.SystemTenantID,
		Action:       action,
		ResourceType: "daemon",
		Level:        level,
		Metadata:     metadata,
	})
}
