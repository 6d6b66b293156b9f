package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/daemon"
	"github.com/jwalitptl/mail-guardian/internal/guardian"
	"github.com/jwalitptl/mail-guardian/internal/handler"
	"github.com/jwalitptl/mail-guardian/internal/middleware"
	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	apperrors "github.com/jwalitptl/mail-guardian/pkg/errors"
)

const maxPageSize = 200

type DaemonRunner interface {
	RunOnce(ctx context.Context) *daemon.RunSummary
	LastRun(ctx context.Context) (*daemon.RunSummary, error)
}

type AuditLister interface {
	List(ctx context.Context, tenantID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error)
}

type Deps struct {
	UnsafeThreads repository.UnsafeThreadRepository
	Processed     repository.ProcessedRepository
	Retries       repository.RetryQueueRepository
	Repairs       repository.RepairLogRepository
	Audit         AuditLister
	Guardians     *guardian.Registry
	Daemon        DaemonRunner
	Risk          daemon.RiskAnalyzer
}

type Handler struct {
	deps Deps
	now  func() time.Time
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	d := r.Group("/daemon")
	{
		d.GET("/last-run", h.LastRun)
		d.POST("/run", h.TriggerRun)
	}

	t := r.Group("/tenants/:tenant_id")
	{
		t.GET("/unsafe-threads", h.ListUnsafeThreads)
		t.DELETE("/unsafe-threads/:thread_id", h.ClearUnsafeThread)
		t.GET("/metrics", h.MetricsSummary)
		t.GET("/retries", h.ListRetries)
		t.GET("/audit", h.ListAudit)
		t.GET("/risk", h.Risk)
		t.GET("/guardians/health", h.GuardianHealth)
		t.GET("/safe-mode", h.SafeModeStatus)
		t.POST("/safe-mode/activate", h.ActivateSafeMode)
		t.POST("/safe-mode/deactivate", h.DeactivateSafeMode)
	}
}

func (h *Handler) ListUnsafeThreads(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	tags, err := h.deps.UnsafeThreads.List(c.Request.Context(), tenantID, pagination(c))
	if err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(tags))
}

func (h *Handler) ClearUnsafeThread(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	threadID := c.Param("thread_id")
	deleted, err := h.deps.UnsafeThreads.Delete(c.Request.Context(), tenantID, threadID)
	if err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	if !deleted {
		handler.RespondError(c, apperrors.NewNotFound("unsafe thread tag", nil))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"thread_id": threadID, "cleared": true}))
}

// MetricsSummary aggregates activity since ?since= (a duration, default 24h).
// The retry backlog counts every pending or processing item regardless of age.
func (h *Handler) MetricsSummary(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	window := 24 * time.Hour
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			handler.RespondError(c, apperrors.NewBadRequest("invalid since duration", err))
			return
		}
		window = d
	}

	ctx := c.Request.Context()
	summary := model.MetricsSummary{TenantID: tenantID, Since: h.now().UTC().Add(-window)}

	var err error
	if summary.EmailsProcessed, err = h.deps.Processed.CountSince(ctx, tenantID, summary.Since); err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	if summary.RetryBacklog, err = h.deps.Retries.CountByStatusSince(ctx, tenantID,
		[]model.RetryStatus{model.RetryStatusPending, model.RetryStatusProcessing}, time.Time{}); err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	if summary.RepairFailures, err = h.deps.Repairs.CountFailuresSince(ctx, tenantID, summary.Since); err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	if summary.UnsafeThreads, err = h.deps.UnsafeThreads.CountSince(ctx, tenantID, summary.Since); err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(summary))
}

func (h *Handler) ListRetries(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	filter := model.RetryFilter{TenantID: tenantID, Pagination: pagination(c)}
	if s := c.Query("status"); s != "" {
		status := model.RetryStatus(s)
		switch status {
		case model.RetryStatusPending, model.RetryStatusProcessing, model.RetryStatusCompleted, model.RetryStatusFailed:
			filter.Status = status
		default:
			handler.RespondError(c, apperrors.NewBadRequest("invalid status", nil))
			return
		}
	}

	items, err := h.deps.Retries.List(c.Request.Context(), filter)
	if err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(items))
}

func (h *Handler) ListAudit(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	logs, err := h.deps.Audit.List(c.Request.Context(), tenantID, pagination(c))
	if err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}

func (h *Handler) Risk(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	snap, err := h.deps.Risk.AnalyzeTenant(c.Request.Context(), tenantID)
	if err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	if snap == nil {
		handler.RespondError(c, apperrors.NewNotFound("risk analysis", nil))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(snap))
}

func (h *Handler) GuardianHealth(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	triad := h.deps.Guardians.For(tenantID)
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		guardian.NameSentra: triad.Sentra.SelfCheck(ctx),
		guardian.NameVita:   triad.Vita.SelfCheck(ctx),
		guardian.NameSolin:  triad.Solin.MCPHealthCheck(ctx),
	}))
}

func (h *Handler) SafeModeStatus(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	solin := h.deps.Guardians.For(tenantID).Solin
	enabled, err := solin.SafeModeState(c.Request.Context())
	if err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"tenant_id": tenantID,
		"enabled":   enabled,
		"reason":    solin.Reason(),
	}))
}

type safeModeRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

func (h *Handler) ActivateSafeMode(c *gin.Context) {
	h.setSafeMode(c, true)
}

func (h *Handler) DeactivateSafeMode(c *gin.Context) {
	h.setSafeMode(c, false)
}

func (h *Handler) setSafeMode(c *gin.Context, enabled bool) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	var req safeModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.RespondError(c, apperrors.NewBadRequest("reason is required", err))
		return
	}

	solin := h.deps.Guardians.For(tenantID).Solin
	var err error
	if enabled {
		err = solin.ActivateSafeMode(c.Request.Context(), req.Reason, model.JSONMap{"source": "admin", "operator": c.GetString(middleware.ContextAdminSubject)})
	} else {
		err = solin.DeactivateSafeMode(c.Request.Context(), req.Reason)
	}
	if err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"tenant_id": tenantID, "enabled": enabled}))
}

func (h *Handler) LastRun(c *gin.Context) {
	summary, err := h.deps.Daemon.LastRun(c.Request.Context())
	if errors.Is(err, repository.ErrNotFound) {
		handler.RespondError(c, apperrors.NewNotFound("daemon run", err))
		return
	}
	if err != nil {
		handler.RespondError(c, apperrors.NewInternal(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(summary))
}

func (h *Handler) TriggerRun(c *gin.Context) {
	c.JSON(http.StatusOK, handler.NewSuccessResponse(h.deps.Daemon.RunOnce(c.Request.Context())))
}

func tenantParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		handler.RespondError(c, apperrors.NewBadRequest("invalid tenant_id", err))
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) model.Pagination {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return model.Pagination{Limit: limit, Offset: offset}.Normalize(maxPageSize)
}
