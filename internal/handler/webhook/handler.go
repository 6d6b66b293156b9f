package webhook

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/mail-guardian/internal/handler"
	"github.com/jwalitptl/mail-guardian/internal/middleware"
	"github.com/jwalitptl/mail-guardian/internal/service/webhook"
	apperrors "github.com/jwalitptl/mail-guardian/pkg/errors"
)

// Ingestor is the webhook pipeline as seen by the HTTP layer.
type Ingestor interface {
	Handle(ctx context.Context, req webhook.Request) (*webhook.Result, error)
}

type Handler struct {
	pipeline Ingestor
}

func NewHandler(pipeline Ingestor) *Handler {
	return &Handler{pipeline: pipeline}
}

// RegisterRoutes mounts the push endpoint. Callers add tenant resolution and
// rate limiting to the group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhook", h.Push)
}

// Push answers 200 on hand-off (including a queued retry), 401 on token
// failure, 400 on a malformed body and 409 on replay or lock conflict.
func (h *Handler) Push(c *gin.Context) {
	// An absent token still goes through the pipeline so the verifier
	// audits the rejection.
	token, _ := middleware.BearerToken(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		handler.RespondError(c, apperrors.NewBadRequest("unreadable body", err))
		return
	}

	result, err := h.pipeline.Handle(c.Request.Context(), webhook.Request{
		Token:    token,
		TenantID: middleware.TenantID(c),
		TraceID:  c.GetString(middleware.ContextTraceID),
		Body:     body,
	})
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &handler.Response{
		Status:  "success",
		Message: "Webhook processed",
		Data:    result,
	})
}
