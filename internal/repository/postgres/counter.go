package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type counterRepository struct {
	BaseRepository
}

func NewCounterRepository(base BaseRepository) repository.CounterRepository {
	return &counterRepository{base}
}

func (r *counterRepository) Increment(ctx context.Context, tenantID uuid.UUID, scope, key string, windowStart time.Time) (int, error) {
	query := `
		INSERT INTO guardian_counters (tenant_id, scope, key, count, window_started_at, updated_at)
		VALUES ($1, $2, $3, 1, NOW(), NOW())
		ON CONFLICT (tenant_id, scope, key) DO UPDATE SET
			count = CASE
				WHEN guardian_counters.window_started_at < $4 THEN 1
				ELSE guardian_counters.count + 1
			END,
			window_started_at = CASE
				WHEN guardian_counters.window_started_at < $4 THEN NOW()
				ELSE guardian_counters.window_started_at
			END,
			updated_at = NOW()
		RETURNING count
	`
	var count int
	err := r.db.GetContext(ctx, &count, query, tenantID, scope, key, windowStart)
	r.observe("counter_increment", err)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return count, nil
}

func (r *counterRepository) Reset(ctx context.Context, tenantID uuid.UUID, scope, key string) error {
	query := `DELETE FROM guardian_counters WHERE tenant_id = $1 AND scope = $2 AND key = $3`

	_, err := r.db.ExecContext(ctx, query, tenantID, scope, key)
	r.observe("counter_reset", err)
	if err != nil {
		return fmt.Errorf("failed to reset counter: %w", err)
	}
	return nil
}
