// Package aegis scores tenant risk from short and long window activity.
package aegis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

const (
	weightUnsafe = 4.0
	weightRetry  = 1.5
	weightRepair = 3.0

	baseCap  = 50.0
	scoreCap = 100.0
)

// Sources are the tables Aegis reads from.
type Sources struct {
	Tenants       repository.TenantRepository
	UnsafeThreads repository.UnsafeThreadRepository
	Retries       repository.RetryQueueRepository
	Repairs       repository.RepairLogRepository
	AuditLog      repository.AuditRepository
}

type Scorer struct {
	src     Sources
	audit   audit.Logger
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewScorer(src Sources, auditLog audit.Logger, log *logger.Logger, m *metrics.Metrics) *Scorer {
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Scorer{src: src, audit: auditLog, log: log, metrics: m, now: time.Now}
}

// AnalyzeTenant counts activity over the last 24 hours and 7 days and scores
// the difference.
func (s *Scorer) AnalyzeTenant(ctx context.Context, tenantID uuid.UUID) (*model.TenantRiskSnapshot, error) {
	now := s.now().UTC()

	day, err := s.counts(ctx, tenantID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("24h window: %w", err)
	}
	week, err := s.counts(ctx, tenantID, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("7d window: %w", err)
	}

	score := Score(day, week)
	snap := &model.TenantRiskSnapshot{
		TenantID:    tenantID,
		Window24h:   day,
		Window7d:    week,
		RiskScore:   score,
		RiskLevel:   Classify(score),
		GeneratedAt: now,
	}
	s.metrics.RiskScore.WithLabelValues(tenantID.String()).Set(score)
	return snap, nil
}

// AnalyzeAllTenants skips tenants whose analysis fails; the failure is
// audit-logged under the system tenant.
func (s *Scorer) AnalyzeAllTenants(ctx context.Context) ([]*model.TenantRiskSnapshot, error) {
	tenants, err := s.src.Tenants.ListActive(ctx)
	if err != nil {
		s.report(ctx, "aegis.analyze_all_tenants.error", model.JSONMap{"error": err.Error()})
		return nil, err
	}

	snapshots := make([]*model.TenantRiskSnapshot, 0, len(tenants))
	for _, id := range tenants {
		snap, err := s.AnalyzeTenant(ctx, id)
		if err != nil {
			s.log.Warn(err, "Risk analysis failed", "tenant_id", id.String())
			s.report(ctx, "aegis.analyze_tenant.error", model.JSONMap{
				"error":     err.Error(),
				"tenant_id": id.String(),
			})
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

func (s *Scorer) counts(ctx context.Context, tenantID uuid.UUID, since time.Time) (model.RiskCounts, error) {
	var (
		c   model.RiskCounts
		err error
	)
	if c.UnsafeThreads, err = s.src.UnsafeThreads.CountSince(ctx, tenantID, since); err != nil {
		return c, fmt.Errorf("count unsafe threads: %w", err)
	}
	if c.Retries, err = s.src.Retries.CountByStatusSince(ctx, tenantID,
		[]model.RetryStatus{model.RetryStatusPending, model.RetryStatusFailed}, since); err != nil {
		return c, fmt.Errorf("count retries: %w", err)
	}
	if c.RepairFailures, err = s.src.Repairs.CountFailuresSince(ctx, tenantID, since); err != nil {
		return c, fmt.Errorf("count repair failures: %w", err)
	}
	if c.EmailsProcessed, err = s.src.AuditLog.CountSince(ctx, tenantID, model.AuditActionEmailProcessed, "", since); err != nil {
		return c, fmt.Errorf("count processed emails: %w", err)
	}
	return c, nil
}

func (s *Scorer) report(ctx context.Context, action string, metadata model.JSONMap) {
	if s.audit == nil {
		return
	}
	s.audit.LogEvent(ctx, audit.Event{
		TenantID:     model.SystemTenantID,
		Action:       action,
		ResourceType: "aegis",
		Level:        model.AuditLevelWarning,
		Metadata:     metadata,
	})
}

// Score combines a capped base risk from absolute 24h counts with weighted
// spikes of the 24h rate over the 7d rate, both per 100 processed emails.
// The result is capped at 100 and rounded to two decimals.
func Score(day, week model.RiskCounts) float64 {
	emailsDay := math.Max(float64(day.EmailsProcessed), 1)
	emailsWeek := math.Max(float64(week.EmailsProcessed), 1)

	spike := func(short, long int, weight float64) float64 {
		rateShort := float64(short) / emailsDay * 100
		rateLong := float64(long) / emailsWeek * 100
		return math.Max(0, rateShort-rateLong) * weight
	}

	base := math.Min(
		float64(day.UnsafeThreads)*2.0+float64(day.Retries)*0.5+float64(day.RepairFailures)*1.5,
		baseCap,
	)
	score := base +
		spike(day.UnsafeThreads, week.UnsafeThreads, weightUnsafe) +
		spike(day.Retries, week.Retries, weightRetry) +
		spike(day.RepairFailures, week.RepairFailures, weightRepair)

	return math.Round(math.Min(score, scoreCap)*100) / 100
}

// UnsafeSpike exposes the unweighted unsafe-thread rate difference.
func UnsafeSpike(day, week model.RiskCounts) float64 {
	rateShort := float64(day.UnsafeThreads) / math.Max(float64(day.EmailsProcessed), 1) * 100
	rateLong := float64(week.UnsafeThreads) / math.Max(float64(week.EmailsProcessed), 1) * 100
	return math.Max(0, rateShort-rateLong)
}

func Classify(score float64) model.RiskLevel {
	switch {
	case score >= 75:
		return model.RiskCritical
	case score >= 50:
		return model.RiskHigh
	case score >= 25:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}
