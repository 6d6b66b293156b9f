package guardian

import (
	"context"

	"github.com/google/uuid"
)

const (
	ReasonSafeMode     = "blocked — safe mode"
	ReasonUnsafeThread = "blocked — unsafe thread"
)

type WriteResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// WriteGate runs mutating downstream operations only while the tenant is out
// of safe mode and the thread carries no unsafe tag. Reads never pass
// through it.
type WriteGate struct {
	registry *Registry
}

func NewWriteGate(registry *Registry) *WriteGate {
	return &WriteGate{registry: registry}
}

// Do runs fn unless the gate is closed. threadID may be empty.
func (g *WriteGate) Do(ctx context.Context, tenantID uuid.UUID, op, threadID string, fn func(ctx context.Context) error) (WriteResult, error) {
	triad := g.registry.For(tenantID)

	if triad.Solin.IsSafeModeEnabled(ctx) {
		triad.Solin.log.Info("Write blocked by safe mode", "operation", op)
		return WriteResult{Blocked: true, Reason: ReasonSafeMode}, nil
	}
	if threadID != "" && triad.Sentra.IsThreadUnsafe(ctx, threadID) {
		triad.Sentra.log.Info("Write blocked on unsafe thread", "operation", op, "thread_id", threadID)
		return WriteResult{Blocked: true, Reason: ReasonUnsafeThread}, nil
	}
	return WriteResult{}, fn(ctx)
}
