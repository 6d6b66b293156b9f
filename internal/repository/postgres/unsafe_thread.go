package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type unsafeThreadRepository struct {
	BaseRepository
}

func NewUnsafeThreadRepository(base BaseRepository) repository.UnsafeThreadRepository {
	return &unsafeThreadRepository{base}
}

func (r *unsafeThreadRepository) Upsert(ctx context.Context, tag *model.UnsafeThreadTag) error {
	query := `
		INSERT INTO unsafe_threads (
			id, tenant_id, thread_id, reason, violation_type, severity, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (tenant_id, thread_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			violation_type = EXCLUDED.violation_type,
			severity = EXCLUDED.severity,
			updated_at = NOW()
	`
	if tag.ID == uuid.Nil {
		tag.ID = uuid.New()
	}

	_, err := r.db.ExecContext(ctx, query,
		tag.ID,
		tag.TenantID,
		tag.ThreadID,
		tag.Reason,
		tag.ViolationType,
		tag.Severity,
	)
	r.observe("unsafe_upsert", err)
	if err != nil {
		return fmt.Errorf("failed to tag thread unsafe: %w", err)
	}
	return nil
}

func (r *unsafeThreadRepository) Exists(ctx context.Context, tenantID uuid.UUID, threadID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM unsafe_threads WHERE tenant_id = $1 AND thread_id = $2)`

	var exists bool
	err := r.db.GetContext(ctx, &exists, query, tenantID, threadID)
	r.observe("unsafe_exists", err)
	if err != nil {
		return false, fmt.Errorf("failed to check unsafe thread: %w", err)
	}
	return exists, nil
}

func (r *unsafeThreadRepository) List(ctx context.Context, tenantID uuid.UUID, page model.Pagination) ([]*model.UnsafeThreadTag, error) {
	query := `
		SELECT id, tenant_id, thread_id, reason, violation_type, severity, created_at, updated_at
		FROM unsafe_threads
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	page = page.Normalize(500)

	var tags []*model.UnsafeThreadTag
	err := r.db.SelectContext(ctx, &tags, query, tenantID, page.Limit, page.Offset)
	r.observe("unsafe_list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsafe threads: %w", err)
	}
	return tags, nil
}

func (r *unsafeThreadRepository) Delete(ctx context.Context, tenantID uuid.UUID, threadID string) (bool, error) {
	query := `DELETE FROM unsafe_threads WHERE tenant_id = $1 AND thread_id = $2`

	result, err := r.db.ExecContext(ctx, query, tenantID, threadID)
	r.observe("unsafe_delete", err)
	if err != nil {
		return false, fmt.Errorf("failed to clear unsafe thread: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *unsafeThreadRepository) CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM unsafe_threads WHERE tenant_id = $1 AND created_at >= $2`

	var count int
	err := r.db.GetContext(ctx, &count, query, tenantID, since)
	r.observe("unsafe_count", err)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsafe threads: %w", err)
	}
	return count, nil
}
