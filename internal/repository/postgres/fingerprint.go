package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type fingerprintRepository struct {
	BaseRepository
}

func NewFingerprintRepository(base BaseRepository) repository.FingerprintRepository {
	return &fingerprintRepository{base}
}

func (r *fingerprintRepository) Exists(ctx context.Context, tenantID uuid.UUID, fp model.Fingerprint) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM sync_log WHERE tenant_id = $1 AND fingerprint = $2)`

	var exists bool
	err := r.db.GetContext(ctx, &exists, query, tenantID, fp[:])
	r.observe("fingerprint_exists", err)
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	return exists, nil
}

func (r *fingerprintRepository) Record(ctx context.Context, rec *model.FingerprintRecord) error {
	query := `
		INSERT INTO sync_log (tenant_id, fingerprint, message_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, fingerprint) DO NOTHING
	`
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		rec.TenantID,
		rec.Fingerprint,
		rec.MessageID,
		rec.Metadata,
		rec.CreatedAt,
	)
	r.observe("fingerprint_record", err)
	if err != nil {
		return fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return nil
}

func (r *fingerprintRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_log WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	r.observe("fingerprint_cleanup", err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete fingerprints: %w", err)
	}
	return result.RowsAffected()
}
