package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
)

const retryColumns = `id, tenant_id, subject_id, account_context, retry_count, max_retries, status,
	error_message, scheduled_at, started_at, completed_at, created_at, updated_at`

type retryQueueRepository struct {
	BaseRepository
}

func NewRetryQueueRepository(base BaseRepository) repository.RetryQueueRepository {
	return &retryQueueRepository{base}
}

func (r *retryQueueRepository) Create(ctx context.Context, item *model.RetryQueueItem) error {
	if item == nil {
		return fmt.Errorf("retry item cannot be nil")
	}

	query := `
		INSERT INTO email_retry_queue (
			id, tenant_id, subject_id, account_context, retry_count, max_retries,
			status, error_message, scheduled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = model.RetryStatusPending
	}

	_, err := r.db.ExecContext(ctx, query,
		item.ID,
		item.TenantID,
		item.SubjectID,
		item.AccountContext,
		item.RetryCount,
		item.MaxRetries,
		item.Status,
		item.ErrorMessage,
		item.ScheduledAt,
		item.CreatedAt,
		item.UpdatedAt,
	)
	r.observe("retry_create", err)
	if err != nil {
		return fmt.Errorf("failed to create retry item: %w", err)
	}
	return nil
}

func (r *retryQueueRepository) Get(ctx context.Context, id uuid.UUID) (*model.RetryQueueItem, error) {
	query := `SELECT ` + retryColumns + ` FROM email_retry_queue WHERE id = $1`

	var item model.RetryQueueItem
	err := r.db.GetContext(ctx, &item, query, id)
	r.observe("retry_get", err)
	if err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *retryQueueRepository) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*model.RetryQueueItem, error) {
	query := `
		UPDATE email_retry_queue
		SET status = 'processing', started_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM email_retry_queue
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + retryColumns

	var items []*model.RetryQueueItem
	err := r.db.SelectContext(ctx, &items, query, now, limit)
	r.observe("retry_claim", err)
	if err != nil {
		return nil, fmt.Errorf("failed to claim retry items: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].ScheduledAt.Before(items[j].ScheduledAt)
	})
	return items, nil
}

func (r *retryQueueRepository) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE email_retry_queue
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1
	`
	return r.exec(ctx, "retry_complete", query, id, now)
}

func (r *retryQueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, now time.Time) error {
	query := `
		UPDATE email_retry_queue
		SET status = 'failed', error_message = $2, updated_at = $3
		WHERE id = $1
	`
	return r.exec(ctx, "retry_fail", query, id, truncate(errorMessage, 1024), now)
}

func (r *retryQueueRepository) Reschedule(ctx context.Context, id uuid.UUID, retryCount int, scheduledAt time.Time, errorMessage string) error {
	query := `
		UPDATE email_retry_queue
		SET status = 'pending',
			retry_count = $2,
			scheduled_at = $3,
			error_message = $4,
			started_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, "retry_reschedule", query, id, retryCount, scheduledAt, truncate(errorMessage, 1024))
}

func (r *retryQueueRepository) ResetStuck(ctx context.Context, tenantID uuid.UUID, startedBefore time.Time) (int64, error) {
	query := `
		UPDATE email_retry_queue
		SET status = 'pending', started_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND started_at < $1
	`
	args := []interface{}{startedBefore}
	if tenantID != uuid.Nil {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	r.observe("retry_reset_stuck", err)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck retry items: %w", err)
	}
	return result.RowsAffected()
}

func (r *retryQueueRepository) List(ctx context.Context, filter model.RetryFilter) ([]*model.RetryQueueItem, error) {
	query := `SELECT ` + retryColumns + ` FROM email_retry_queue WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	page := filter.Pagination.Normalize(500)
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY scheduled_at ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var items []*model.RetryQueueItem
	err := r.db.SelectContext(ctx, &items, query, args...)
	r.observe("retry_list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry items: %w", err)
	}
	return items, nil
}

func (r *retryQueueRepository) CountByStatusSince(ctx context.Context, tenantID uuid.UUID, statuses []model.RetryStatus, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM email_retry_queue
		WHERE tenant_id = $1 AND status = ANY($2) AND created_at >= $3
	`
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var count int
	err := r.db.GetContext(ctx, &count, query, tenantID, pq.Array(names), since)
	r.observe("retry_count", err)
	if err != nil {
		return 0, fmt.Errorf("failed to count retry items: %w", err)
	}
	return count, nil
}

func (r *retryQueueRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	r.observe(op, err)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
