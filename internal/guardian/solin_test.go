package guardian

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/mail-guardian/internal/model"
)

func (f *fixture) seedAudit(prefix string, level model.AuditLevel, n int, age time.Duration) {
	for i := 0; i < n; i++ {
		_ = f.audit.Create(context.Background(), &model.AuditLog{
			TenantID:  f.tenant,
			Action:    prefix + "seeded",
			Level:     level,
			CreatedAt: time.Now().UTC().Add(-age),
		})
	}
}

func TestSolin_HealthStatus(t *testing.T) {
	tests := []struct {
		name     string
		warnings int
		failures int
		want     model.HealthStatus
	}{
		{"quiet", 0, 0, model.HealthHealthy},
		{"one warning", 1, 0, model.HealthDegraded},
		{"one failure", 0, 2, model.HealthDegraded},
		{"three warnings", 3, 0, model.HealthWarning},
		{"three failures", 0, 3, model.HealthWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Config{})
			f.seedAudit(model.AuditActionSentraPrefix, model.AuditLevelWarning, tt.warnings, time.Minute)
			f.seedAudit(model.AuditActionVitaPrefix, model.AuditLevelError, tt.failures, time.Minute)

			report := f.triad().Solin.MCPHealthCheck(context.Background())

			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.warnings, report.Observation.SentraWarnings)
			assert.Equal(t, tt.failures, report.Observation.VitaFailures)
		})
	}
}

func TestSolin_HealthIgnoresEventsOutsideWindow(t *testing.T) {
	f := newFixture(Config{})
	f.seedAudit(model.AuditActionSentraPrefix, model.AuditLevelWarning, 4, 20*time.Minute)
	f.seedAudit(model.AuditActionSentraPrefix, model.AuditLevelInfo, 4, time.Minute)

	report := f.triad().Solin.MCPHealthCheck(context.Background())

	assert.Equal(t, model.HealthHealthy, report.Status)
	assert.Equal(t, 15, report.Observation.WindowMinutes)
}

func TestSolin_HealthReportsSafeMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	solin := f.triad().Solin
	require.NoError(t, solin.ActivateSafeMode(ctx, "manual hold", nil))

	report := solin.MCPHealthCheck(ctx)

	assert.Equal(t, model.HealthSafeMode, report.Status)
	assert.True(t, report.SafeModeEnabled)
	assert.Equal(t, "manual hold", report.SafeModeReason)
}

func TestSolin_HealthDegradedOnCountError(t *testing.T) {
	f := newFixture(Config{})
	f.audit.Err = errors.New("audit table locked")

	report := f.triad().Solin.MCPHealthCheck(context.Background())

	assert.Equal(t, model.HealthDegraded, report.Status)
	assert.Contains(t, report.Error, "audit table locked")
}

func TestSolin_EnforceGlobalRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	solin := f.triad().Solin

	f.seedAudit(model.AuditActionSentraPrefix, model.AuditLevelWarning, 4, time.Minute)
	fired, err := solin.EnforceGlobalRules(ctx)
	require.NoError(t, err)
	assert.False(t, fired)

	f.seedAudit(model.AuditActionSentraPrefix, model.AuditLevelWarning, 1, time.Minute)
	fired, err = solin.EnforceGlobalRules(ctx)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, solin.IsSafeModeEnabled(ctx))
	assert.Contains(t, solin.Reason(), "Repeated Sentra warnings: 5 in 15 minutes")

	fired, err = solin.EnforceGlobalRules(ctx)
	require.NoError(t, err)
	assert.False(t, fired, "already in safe mode")
	assert.Equal(t, 1, f.count(model.AuditActionSafeModeOn))
}

func TestSolin_EnforceGlobalRulesOnVitaFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{ObservationThreshold: 2})
	f.seedAudit(model.AuditActionVitaPrefix, model.AuditLevelError, 2, time.Minute)

	fired, err := f.triad().Solin.EnforceGlobalRules(ctx)

	require.NoError(t, err)
	assert.True(t, fired)
	assert.Contains(t, f.triad().Solin.Reason(), "Repeated Vita failures")
}

func TestSolin_SafeModeRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	solin := f.triad().Solin

	enabled, err := solin.SafeModeState(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, solin.ActivateSafeMode(ctx, "incident", model.JSONMap{"ticket": "INC-1"}))
	st, err := f.state.Get(ctx, f.tenant, model.StateKeySafeMode)
	require.NoError(t, err)
	assert.Equal(t, "true", st.Value)
	assert.Equal(t, "incident", st.Reason)

	require.NoError(t, solin.DeactivateSafeMode(ctx, "resolved"))
	assert.False(t, solin.IsSafeModeEnabled(ctx))
	assert.Empty(t, solin.Reason())

	assert.Equal(t, 1, f.count(model.AuditActionSafeModeOn))
	assert.Equal(t, 1, f.count(model.AuditActionSafeModeOff))
	assert.Equal(t, 2, f.notifier.len())
}

func TestSolin_SafeModeLookupPolicy(t *testing.T) {
	ctx := context.Background()

	open := newFixture(Config{})
	open.state.Err = errors.New("connection refused")
	assert.False(t, open.triad().Solin.IsSafeModeEnabled(ctx))

	closed := newFixture(Config{SafeModeFailClosed: true})
	closed.state.Err = errors.New("connection refused")
	assert.True(t, closed.triad().Solin.IsSafeModeEnabled(ctx))
}

func TestSolin_ActivationHaltsEvenWhenWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.state.Err = errors.New("read-only replica")
	solin := f.triad().Solin

	err := solin.ActivateSafeMode(ctx, "lockdown", nil)

	require.Error(t, err)
	assert.True(t, solin.IsSafeModeEnabled(ctx))
}

func TestSolin_AppliesPeerNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	solin := f.triad().Solin

	solin.applyNotice(SafeModeNotice{TenantID: f.tenant, Enabled: true, Reason: "peer lockdown"})

	assert.True(t, solin.IsSafeModeEnabled(ctx))
	assert.Equal(t, "peer lockdown", solin.Reason())
}

func TestSolin_HandleRiskSnapshot(t *testing.T) {
	ctx := context.Background()
	snap := func(level model.RiskLevel, score float64) *model.TenantRiskSnapshot {
		return &model.TenantRiskSnapshot{RiskLevel: level, RiskScore: score, GeneratedAt: time.Now()}
	}

	f := newFixture(Config{})
	require.NoError(t, f.triad().Solin.HandleRiskSnapshot(ctx, snap(model.RiskMedium, 30)))
	require.NoError(t, f.triad().Solin.HandleRiskSnapshot(ctx, snap(model.RiskHigh, 60)))
	assert.False(t, f.triad().Solin.IsSafeModeEnabled(ctx))
	assert.Equal(t, 1, f.count(model.AuditActionRiskHigh))

	require.NoError(t, f.triad().Solin.HandleRiskSnapshot(ctx, snap(model.RiskCritical, 90)))
	assert.True(t, f.triad().Solin.IsSafeModeEnabled(ctx))
	assert.Contains(t, f.triad().Solin.Reason(), "Aegis critical risk: 90.00")
}

func TestSolin_ReceiveEventFansOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	solin := f.triad().Solin
	sentra, vita := &recordingReceiver{}, &recordingReceiver{}
	solin.Attach(sentra, vita)

	solin.ReceiveEvent(ctx, "a", nil, true, false)
	solin.ReceiveEvent(ctx, "b", nil, false, true)
	solin.ReceiveEvent(ctx, "c", nil, true, true)
	solin.ReceiveEvent(ctx, "d", nil, false, false)

	assert.Equal(t, []string{"a", "c"}, sentra.actions)
	assert.Equal(t, []string{"b", "c"}, vita.actions)
	assert.Equal(t, 1, f.count(model.AuditActionSolinPrefix+"d"))
}
