package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type systemStateRepository struct {
	BaseRepository
}

func NewSystemStateRepository(base BaseRepository) repository.SystemStateRepository {
	return &systemStateRepository{base}
}

func (r *systemStateRepository) Get(ctx context.Context, tenantID uuid.UUID, key string) (*model.SystemState, error) {
	query := `
		SELECT tenant_id, key, value, reason, updated_at
		FROM system_state
		WHERE tenant_id = $1 AND key = $2
	`
	var state model.SystemState
	err := r.db.GetContext(ctx, &state, query, tenantID, key)
	r.observe("system_state_get", err)
	if err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

func (r *systemStateRepository) Set(ctx context.Context, state *model.SystemState) error {
	query := `
		INSERT INTO system_state (tenant_id, key, value, reason, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			reason = EXCLUDED.reason,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, state.TenantID, state.Key, state.Value, state.Reason)
	r.observe("system_state_set", err)
	if err != nil {
		return fmt.Errorf("failed to write system state %q: %w", state.Key, err)
	}
	return nil
}
