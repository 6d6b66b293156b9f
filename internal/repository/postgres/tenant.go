package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type tenantRepository struct {
	BaseRepository
}

func NewTenantRepository(base BaseRepository) repository.TenantRepository {
	return &tenantRepository{base}
}

func (r *tenantRepository) ListActive(ctx context.Context) ([]uuid.UUID, error) {
	query := `SELECT id FROM tenants WHERE active = true ORDER BY created_at`

	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, query)
	r.observe("list_tenants", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return ids, nil
}
