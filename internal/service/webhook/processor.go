package webhook

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
)

// ProcessingResult is what the downstream email processor reports back.
type ProcessingResult struct {
	Status string `json:"status"`
	// Blocked is set when safe mode refused the hand-off.
	Blocked bool   `json:"blocked,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Processor is the external email processor. It is called with the message
// lock held.
type Processor interface {
	Process(ctx context.Context, payload model.JSONMap, tenantID uuid.UUID, traceID string) (*ProcessingResult, error)
}

type ProcessorFunc func(ctx context.Context, payload model.JSONMap, tenantID uuid.UUID, traceID string) (*ProcessingResult, error)

func (f ProcessorFunc) Process(ctx context.Context, payload model.JSONMap, tenantID uuid.UUID, traceID string) (*ProcessingResult, error) {
	return f(ctx, payload, tenantID, traceID)
}
