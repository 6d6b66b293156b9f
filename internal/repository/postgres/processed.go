package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type processedRepository struct {
	BaseRepository
}

func NewProcessedRepository(base BaseRepository) repository.ProcessedRepository {
	return &processedRepository{base}
}

func (r *processedRepository) Exists(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM processed_messages
			WHERE tenant_id = $1 AND external_message_id = $2
		)
	`
	var exists bool
	err := r.db.GetContext(ctx, &exists, query, tenantID, externalID)
	r.observe("processed_exists", err)
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return exists, nil
}

func (r *processedRepository) Mark(ctx context.Context, tenantID uuid.UUID, externalID string) error {
	query := `
		INSERT INTO processed_messages (tenant_id, external_message_id, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id, external_message_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, externalID)
	r.observe("processed_mark", err)
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

func (r *processedRepository) CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM processed_messages WHERE tenant_id = $1 AND processed_at >= $2`

	var count int
	err := r.db.GetContext(ctx, &count, query, tenantID, since)
	r.observe("processed_count", err)
	if err != nil {
		return 0, fmt.Errorf("failed to count processed messages: %w", err)
	}
	return count, nil
}
