package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/service/idempotency"
	"github.com/jwalitptl/mail-guardian/internal/service/retry"
	"github.com/jwalitptl/mail-guardian/internal/service/webhook"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

type RetryProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	StuckTimeout time.Duration
	// LockDelay postpones an item whose message is locked elsewhere.
	LockDelay time.Duration
}

// RetryProcessor re-runs failed notifications from the retry queue.
type RetryProcessor struct {
	queue     *retry.Queue
	idem      *idempotency.Service
	processor webhook.Processor
	config    RetryProcessorConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func NewRetryProcessor(
	queue *retry.Queue,
	idem *idempotency.Service,
	processor webhook.Processor,
	config RetryProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *RetryProcessor {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.StuckTimeout <= 0 {
		config.StuckTimeout = time.Hour
	}
	if config.LockDelay <= 0 {
		config.LockDelay = time.Minute
	}

	return &RetryProcessor{
		queue:     queue,
		idem:      idem,
		processor: processor,
		config:    config,
		logger:    logger,
		metrics:   metrics,
	}
}

func (p *RetryProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting retry processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down retry processor")
			return
		case <-ticker.C:
			if err := p.ProcessBatch(ctx); err != nil {
				p.logger.Error(err, "Failed to process retry batch")
			}
		}
	}
}

// ProcessBatch sweeps stuck items back to pending, then claims and runs one
// batch of due items.
func (p *RetryProcessor) ProcessBatch(ctx context.Context) error {
	timer := prometheus.NewTimer(p.metrics.RetryLatency)
	defer timer.ObserveDuration()

	if _, err := p.queue.ResetStuck(ctx, model.SystemTenantID, p.config.StuckTimeout); err != nil {
		p.logger.Warn(err, "Failed to reset stuck retry items")
	}

	items, err := p.queue.DequeueReady(ctx, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim retry items: %w", err)
	}

	for _, item := range items {
		if err := p.processItem(ctx, item); err != nil {
			p.logger.Error(err, "Failed to process retry item",
				"retry_id", item.ID.String(),
				"tenant_id", item.TenantID.String())
		}
	}
	return nil
}

func (p *RetryProcessor) processItem(ctx context.Context, item *model.RetryQueueItem) error {
	done, err := p.idem.IsProcessed(ctx, item.TenantID, item.SubjectID)
	if err != nil {
		p.logger.Warn(err, "Processed marker check failed, continuing", "retry_id", item.ID.String())
	}
	if done {
		return p.queue.Complete(ctx, item)
	}

	runErr := p.idem.WithLock(ctx, item.TenantID, item.SubjectID, func(ctx context.Context) error {
		done, err := p.idem.IsProcessed(ctx, item.TenantID, item.SubjectID)
		if err != nil {
			p.logger.Warn(err, "Processed marker re-check failed, continuing", "retry_id", item.ID.String())
		}
		if done {
			return nil
		}

		res, err := p.processor.Process(ctx, payloadOf(item), item.TenantID, item.AccountContext.String("trace_id"))
		if err != nil {
			return err
		}
		if res != nil && res.Blocked {
			return fmt.Errorf("processing blocked: %s", res.Reason)
		}
		if err := p.idem.MarkProcessed(ctx, item.TenantID, item.SubjectID); err != nil {
			p.logger.Warn(err, "Failed to write processed marker", "retry_id", item.ID.String())
		}
		return nil
	})

	if runErr == nil {
		return p.queue.Complete(ctx, item)
	}
	if errors.Is(runErr, idempotency.ErrAlreadyLocked) {
		p.logger.Debug("Message locked by another worker, postponing", "retry_id", item.ID.String())
		if err := p.queue.Postpone(ctx, item, p.config.LockDelay, nil); err != nil {
			return fmt.Errorf("postpone %s: %w", item.ID, err)
		}
		return nil
	}
	if err := p.queue.Reschedule(ctx, item, runErr); err != nil {
		return fmt.Errorf("reschedule %s: %w", item.ID, err)
	}
	return nil
}

func payloadOf(item *model.RetryQueueItem) model.JSONMap {
	if p, ok := item.AccountContext["payload"].(map[string]interface{}); ok {
		return model.JSONMap(p)
	}
	return model.JSONMap{}
}
