package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
)

// RetentionWorker purges fingerprints and audit rows past their retention.
type RetentionWorker struct {
	fingerprints    repository.FingerprintRepository
	audit           repository.AuditRepository
	fingerprintDays int
	auditDays       int
	cleanupInterval time.Duration
	logger          *logger.Logger
	now             func() time.Time
}

func NewRetentionWorker(
	fingerprints repository.FingerprintRepository,
	audit repository.AuditRepository,
	fingerprintDays, auditDays int,
	cleanupInterval time.Duration,
	logger *logger.Logger,
) *RetentionWorker {
	return &RetentionWorker{
		fingerprints:    fingerprints,
		audit:           audit,
		fingerprintDays: fingerprintDays,
		auditDays:       auditDays,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		now:             time.Now,
	}
}

func (w *RetentionWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Cleanup(ctx); err != nil {
				w.logger.Error(err, "Retention cleanup failed")
			}
		}
	}
}

// Cleanup runs one purge. A retention of zero days keeps rows forever.
func (w *RetentionWorker) Cleanup(ctx context.Context) error {
	now := w.now().UTC()

	if w.fingerprintDays > 0 {
		cutoff := now.AddDate(0, 0, -w.fingerprintDays)
		rows, err := w.fingerprints.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to cleanup fingerprints: %w", err)
		}
		w.logger.Info("Cleaned up fingerprints", "rows", rows, "cutoff", cutoff)
	}

	if w.auditDays > 0 {
		cutoff := now.AddDate(0, 0, -w.auditDays)
		rows, err := w.audit.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to cleanup audit logs: %w", err)
		}
		w.logger.Info("Cleaned up audit logs", "rows", rows, "cutoff", cutoff)
	}
	return nil
}
