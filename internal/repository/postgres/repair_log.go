package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type repairLogRepository struct {
	BaseRepository
}

func NewRepairLogRepository(base BaseRepository) repository.RepairLogRepository {
	return &repairLogRepository{base}
}

func (r *repairLogRepository) Create(ctx context.Context, entry *model.RepairLogEntry) error {
	query := `
		INSERT INTO repair_log (
			id, tenant_id, event, action_taken, success, error_message, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.Event,
		entry.ActionTaken,
		entry.Success,
		entry.ErrorMessage,
		entry.Metadata,
		entry.CreatedAt,
	)
	r.observe("repair_log_create", err)
	if err != nil {
		return fmt.Errorf("failed to write repair log: %w", err)
	}
	return nil
}

func (r *repairLogRepository) CountFailuresSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM repair_log WHERE tenant_id = $1 AND success = false AND created_at >= $2`

	var count int
	err := r.db.GetContext(ctx, &count, query, tenantID, since)
	r.observe("repair_log_count", err)
	if err != nil {
		return 0, fmt.Errorf("failed to count repair failures: %w", err)
	}
	return count, nil
}

func (r *repairLogRepository) ListRecent(ctx context.Context, tenantID uuid.UUID, limit int) ([]*model.RepairLogEntry, error) {
	query := `
		SELECT id, tenant_id, event, action_taken, success, error_message, metadata, created_at
		FROM repair_log
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var entries []*model.RepairLogEntry
	err := r.db.SelectContext(ctx, &entries, query, tenantID, limit)
	r.observe("repair_log_list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list repair log: %w", err)
	}
	return entries, nil
}
