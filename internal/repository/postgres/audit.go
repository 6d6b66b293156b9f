package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type auditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) repository.AuditRepository {
	return &auditRepository{base}
}

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	query := `
		INSERT INTO audit_log (
			id, tenant_id, action, resource_type, resource_id, level, service,
			metadata, trace_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.TenantID,
		log.Action,
		log.ResourceType,
		log.ResourceID,
		log.Level,
		log.Service,
		log.Metadata,
		log.TraceID,
		log.CreatedAt,
	)
	r.observe("audit_create", err)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, tenantID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error) {
	query := `
		SELECT id, tenant_id, action, resource_type, resource_id, level, service,
			metadata, trace_id, created_at
		FROM audit_log
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	page = page.Normalize(500)

	var logs []*model.AuditLog
	err := r.db.SelectContext(ctx, &logs, query, tenantID, page.Limit, page.Offset)
	r.observe("audit_list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return logs, nil
}

func (r *auditRepository) CountSince(ctx context.Context, tenantID uuid.UUID, actionPrefix string, level model.AuditLevel, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM audit_log
		WHERE tenant_id = $1 AND action LIKE $2 AND created_at >= $3
	`
	args := []interface{}{tenantID, actionPrefix + "%", since}
	if level != "" {
		args = append(args, level)
		query += fmt.Sprintf(" AND level = $%d", len(args))
	}

	var count int
	err := r.db.GetContext(ctx, &count, query, args...)
	r.observe("audit_count", err)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}

func (r *auditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM audit_log WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	r.observe("audit_cleanup", err)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}
	return result.RowsAffected()
}
