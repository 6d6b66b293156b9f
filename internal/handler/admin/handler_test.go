package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/mail-guardian/internal/daemon"
	"github.com/jwalitptl/mail-guardian/internal/guardian"
	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/internal/repository/memory"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/internal/service/retry"
)

type stubDaemon struct {
	last *daemon.RunSummary
	runs int
}

func (d *stubDaemon) RunOnce(context.Context) *daemon.RunSummary {
	d.runs++
	d.last = &daemon.RunSummary{Status: model.HealthHealthy, Message: "All checks passed"}
	return d.last
}

func (d *stubDaemon) LastRun(context.Context) (*daemon.RunSummary, error) {
	if d.last == nil {
		return nil, repository.ErrNotFound
	}
	return d.last, nil
}

type stubRisk struct{ snap *model.TenantRiskSnapshot }

func (r stubRisk) AnalyzeTenant(context.Context, uuid.UUID) (*model.TenantRiskSnapshot, error) {
	return r.snap, nil
}

type adminFixture struct {
	engine    *gin.Engine
	unsafe    *memory.UnsafeThreadRepository
	processed *memory.ProcessedRepository
	retries   *memory.RetryQueueRepository
	audit     *memory.AuditRepository
	registry  *guardian.Registry
	daemon    *stubDaemon
	tenant    uuid.UUID
}

func newAdminFixture(risk daemon.RiskAnalyzer) *adminFixture {
	gin.SetMode(gin.TestMode)
	f := &adminFixture{
		unsafe:    &memory.UnsafeThreadRepository{},
		processed: &memory.ProcessedRepository{},
		retries:   &memory.RetryQueueRepository{},
		audit:     &memory.AuditRepository{},
		daemon:    &stubDaemon{},
		tenant:    uuid.New(),
	}
	repairs := &memory.RepairLogRepository{}
	auditSvc := audit.NewService(f.audit, nil)
	f.registry = guardian.NewRegistry(guardian.Dependencies{
		UnsafeThreads: f.unsafe,
		Repairs:       repairs,
		State:         &memory.SystemStateRepository{},
		AuditRepo:     f.audit,
		Audit:         auditSvc,
		Retries:       retry.NewQueue(f.retries, nil, nil),
	}, guardian.Config{})

	h := NewHandler(Deps{
		UnsafeThreads: f.unsafe,
		Processed:     f.processed,
		Retries:       f.retries,
		Repairs:       repairs,
		Audit:         auditSvc,
		Guardians:     f.registry,
		Daemon:        f.daemon,
		Risk:          risk,
	})
	f.engine = gin.New()
	h.RegisterRoutes(f.engine.Group("/admin"))
	return f
}

func (f *adminFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *adminFixture) path(suffix string) string {
	return "/admin/tenants/" + f.tenant.String() + suffix
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestAdmin_UnsafeThreads(t *testing.T) {
	f := newAdminFixture(nil)
	ctx := context.Background()
	require.NoError(t, f.unsafe.Upsert(ctx, &model.UnsafeThreadTag{TenantID: f.tenant, ThreadID: "th-1", Severity: model.SeverityHigh}))

	w := f.do(http.MethodGet, f.path("/unsafe-threads"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tags []model.UnsafeThreadTag
	decodeData(t, w, &tags)
	require.Len(t, tags, 1)
	assert.Equal(t, "th-1", tags[0].ThreadID)

	w = f.do(http.MethodDelete, f.path("/unsafe-threads/th-1"), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodDelete, f.path("/unsafe-threads/th-1"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_InvalidTenant(t *testing.T) {
	f := newAdminFixture(nil)

	w := f.do(http.MethodGet, "/admin/tenants/not-a-uuid/unsafe-threads", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_MetricsSummary(t *testing.T) {
	f := newAdminFixture(nil)
	ctx := context.Background()
	require.NoError(t, f.processed.Mark(ctx, f.tenant, "gm-1"))
	require.NoError(t, f.processed.Mark(ctx, f.tenant, "gm-2"))
	require.NoError(t, f.retries.Create(ctx, &model.RetryQueueItem{
		ID: uuid.New(), TenantID: f.tenant, SubjectID: "gm-3", Status: model.RetryStatusPending, CreatedAt: time.Now().Add(-72 * time.Hour),
	}))

	w := f.do(http.MethodGet, f.path("/metrics?since=1h"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary model.MetricsSummary
	decodeData(t, w, &summary)
	assert.Equal(t, 2, summary.EmailsProcessed)
	assert.Equal(t, 1, summary.RetryBacklog)

	w = f.do(http.MethodGet, f.path("/metrics?since=yesterday"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_ListRetriesValidatesStatus(t *testing.T) {
	f := newAdminFixture(nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, f.path("/retries?status=failed"), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, f.path("/retries?status=stuck"), nil).Code)
}

func TestAdmin_SafeModeLifecycle(t *testing.T) {
	f := newAdminFixture(nil)

	w := f.do(http.MethodPost, f.path("/safe-mode/activate"), map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")

	w = f.do(http.MethodPost, f.path("/safe-mode/activate"), map[string]string{"reason": "incident 42"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.registry.For(f.tenant).Solin.IsSafeModeEnabled(context.Background()))

	w = f.do(http.MethodGet, f.path("/safe-mode"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Enabled bool   `json:"enabled"`
		Reason  string `json:"reason"`
	}
	decodeData(t, w, &status)
	assert.True(t, status.Enabled)
	assert.Equal(t, "incident 42", status.Reason)

	w = f.do(http.MethodPost, f.path("/safe-mode/deactivate"), map[string]string{"reason": "resolved"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.registry.For(f.tenant).Solin.IsSafeModeEnabled(context.Background()))
}

func TestAdmin_GuardianHealth(t *testing.T) {
	f := newAdminFixture(nil)

	w := f.do(http.MethodGet, f.path("/guardians/health"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var checks map[string]map[string]interface{}
	decodeData(t, w, &checks)
	for _, name := range []string{guardian.NameSentra, guardian.NameVita, guardian.NameSolin} {
		assert.Equal(t, string(model.HealthHealthy), checks[name]["status"], name)
	}
}

func TestAdmin_Risk(t *testing.T) {
	f := newAdminFixture(stubRisk{})
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, f.path("/risk"), nil).Code)

	f = newAdminFixture(stubRisk{snap: &model.TenantRiskSnapshot{RiskScore: 42, RiskLevel: model.RiskMedium}})
	w := f.do(http.MethodGet, f.path("/risk"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap model.TenantRiskSnapshot
	decodeData(t, w, &snap)
	assert.Equal(t, model.RiskMedium, snap.RiskLevel)
}

func TestAdmin_Daemon(t *testing.T) {
	f := newAdminFixture(nil)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/admin/daemon/last-run", nil).Code)

	w := f.do(http.MethodPost, "/admin/daemon/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.daemon.runs)

	w = f.do(http.MethodGet, "/admin/daemon/last-run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary daemon.RunSummary
	decodeData(t, w, &summary)
	assert.Equal(t, model.HealthHealthy, summary.Status)
}

func TestAdmin_ListAudit(t *testing.T) {
	f := newAdminFixture(nil)
	require.NoError(t, f.audit.Create(context.Background(), &model.AuditLog{TenantID: f.tenant, Action: "email.processed", Level: model.AuditLevelInfo}))

	w := f.do(http.MethodGet, f.path("/audit?limit=10"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var logs []model.AuditLog
	decodeData(t, w, &logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "email.processed", logs[0].Action)
}
