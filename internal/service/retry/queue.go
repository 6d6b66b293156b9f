package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

const (
	InitialDelay      = 2 * time.Minute
	MaxBackoff        = 32 * time.Minute
	DefaultMaxRetries = 3
)

// Backoff is the delay applied when rescheduling an item that has been
// retried retryCount times: 2, 4, 8, 16, 32, 32... minutes.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 5 {
		return MaxBackoff
	}
	d := time.Duration(1<<uint(retryCount+1)) * time.Minute
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

type EnqueueParams struct {
	TenantID     uuid.UUID
	SubjectID    string
	Context      model.JSONMap
	ErrorMessage string
	// MaxRetries defaults to the queue's limit when zero.
	MaxRetries int
}

// Queue owns every state transition of retry queue items.
type Queue struct {
	repo       repository.RetryQueueRepository
	log        *logger.Logger
	metrics    *metrics.Metrics
	maxRetries int
	now        func() time.Time
}

func NewQueue(repo repository.RetryQueueRepository, log *logger.Logger, m *metrics.Metrics) *Queue {
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Queue{repo: repo, log: log, metrics: m, maxRetries: DefaultMaxRetries, now: time.Now}
}

// WithMaxRetries sets the attempt limit for newly enqueued items.
func (q *Queue) WithMaxRetries(n int) *Queue {
	if n > 0 {
		q.maxRetries = n
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*model.RetryQueueItem, error) {
	if p.SubjectID == "" {
		return nil, fmt.Errorf("retry item requires a subject id")
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	now := q.now().UTC()
	item := &model.RetryQueueItem{
		ID:             uuid.New(),
		TenantID:       p.TenantID,
		SubjectID:      p.SubjectID,
		AccountContext: p.Context,
		RetryCount:     0,
		MaxRetries:     maxRetries,
		Status:         model.RetryStatusPending,
		ScheduledAt:    now.Add(InitialDelay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.ErrorMessage != "" {
		msg := p.ErrorMessage
		item.ErrorMessage = &msg
	}

	if err := q.repo.Create(ctx, item); err != nil {
		return nil, err
	}
	q.metrics.RetryTransitions.WithLabelValues(string(model.RetryStatusPending)).Inc()
	return item, nil
}

// DequeueReady claims up to limit due items and marks them processing.
func (q *Queue) DequeueReady(ctx context.Context, limit int) ([]*model.RetryQueueItem, error) {
	items, err := q.repo.ClaimReady(ctx, q.now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	q.metrics.RetryBacklog.Set(float64(len(items)))
	return items, nil
}

func (q *Queue) Complete(ctx context.Context, item *model.RetryQueueItem) error {
	now := q.now().UTC()
	if err := q.repo.MarkCompleted(ctx, item.ID, now); err != nil {
		return err
	}
	item.Status = model.RetryStatusCompleted
	item.CompletedAt = &now
	q.metrics.RetryTransitions.WithLabelValues(string(model.RetryStatusCompleted)).Inc()
	return nil
}

func (q *Queue) Fail(ctx context.Context, item *model.RetryQueueItem, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.repo.MarkFailed(ctx, item.ID, msg, q.now().UTC()); err != nil {
		return err
	}
	item.Status = model.RetryStatusFailed
	item.ErrorMessage = &msg
	q.metrics.RetryTransitions.WithLabelValues(string(model.RetryStatusFailed)).Inc()
	return nil
}

// Reschedule either returns item to pending after Backoff(item.RetryCount) or,
// once the next attempt would reach MaxRetries, fails it terminally.
func (q *Queue) Reschedule(ctx context.Context, item *model.RetryQueueItem, cause error) error {
	if item.RetryCount+1 >= item.MaxRetries {
		if cause == nil {
			return q.Fail(ctx, item, fmt.Errorf("max retries reached (%d)", item.MaxRetries))
		}
		return q.Fail(ctx, item, fmt.Errorf("max retries reached (%d): %w", item.MaxRetries, cause))
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	scheduledAt := q.now().UTC().Add(Backoff(item.RetryCount))
	retryCount := item.RetryCount + 1

	if err := q.repo.Reschedule(ctx, item.ID, retryCount, scheduledAt, msg); err != nil {
		return err
	}
	item.RetryCount = retryCount
	item.ScheduledAt = scheduledAt
	item.Status = model.RetryStatusPending
	item.StartedAt = nil
	if msg != "" {
		item.ErrorMessage = &msg
	}
	q.metrics.RetryTransitions.WithLabelValues("rescheduled").Inc()
	return nil
}

// Postpone returns item to pending after delay without spending an attempt.
func (q *Queue) Postpone(ctx context.Context, item *model.RetryQueueItem, delay time.Duration, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	} else if item.ErrorMessage != nil {
		msg = *item.ErrorMessage
	}
	scheduledAt := q.now().UTC().Add(delay)

	if err := q.repo.Reschedule(ctx, item.ID, item.RetryCount, scheduledAt, msg); err != nil {
		return err
	}
	item.ScheduledAt = scheduledAt
	item.Status = model.RetryStatusPending
	item.StartedAt = nil
	if msg != "" {
		item.ErrorMessage = &msg
	}
	q.metrics.RetryTransitions.WithLabelValues("postponed").Inc()
	return nil
}

// ResetStuck returns items left in processing for longer than timeout to
// pending. uuid.Nil covers every tenant.
func (q *Queue) ResetStuck(ctx context.Context, tenantID uuid.UUID, timeout time.Duration) (int64, error) {
	n, err := q.repo.ResetStuck(ctx, tenantID, q.now().UTC().Add(-timeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.metrics.RetryTransitions.WithLabelValues("reset_stuck").Add(float64(n))
		q.log.Info("Reset stuck retry items", "count", n, "tenant_id", tenantID.String())
	}
	return n, nil
}

func (q *Queue) List(ctx context.Context, filter model.RetryFilter) ([]*model.RetryQueueItem, error) {
	return q.repo.List(ctx, filter)
}

func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*model.RetryQueueItem, error) {
	return q.repo.Get(ctx, id)
}
