package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/repository"
)

// LockKey maps a string onto the non-negative int4 space used by
// pg_try_advisory_lock(int4, int4).
func LockKey(s string) int32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int32(h.Sum32() & 0x7FFFFFFF)
}

// AdvisoryLocker takes session-level advisory locks keyed by
// (tenant, message). Each held lock pins one pooled connection until released;
// if the process dies the server drops the lock with the session.
type AdvisoryLocker struct {
	BaseRepository
}

func NewAdvisoryLocker(base BaseRepository) repository.Locker {
	return &AdvisoryLocker{base}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, tenantID uuid.UUID, key string) (repository.LockHandle, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.observe("advisory_lock", err)
		return nil, fmt.Errorf("failed to get connection for lock: %w", err)
	}

	tenantKey, msgKey := LockKey(tenantID.String()), LockKey(key)

	var acquired bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, tenantKey, msgKey).Scan(&acquired)
	l.observe("advisory_lock", err)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, repository.ErrLockConflict
	}

	return &advisoryLock{conn: conn, tenantKey: tenantKey, msgKey: msgKey, base: &l.BaseRepository}, nil
}

type advisoryLock struct {
	conn      *sql.Conn
	tenantKey int32
	msgKey    int32
	base      *BaseRepository

	once sync.Once
	err  error
}

func (h *advisoryLock) Release(ctx context.Context) error {
	h.once.Do(func() {
		// The unlock must run even if the request context is already done.
		unlockCtx := context.WithoutCancel(ctx)
		_, err := h.conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1, $2)`, h.tenantKey, h.msgKey)
		h.base.observe("advisory_unlock", err)
		if err != nil {
			h.err = fmt.Errorf("failed to release advisory lock: %w", err)
			// Drop the session so the server frees the lock with it.
			h.conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		}
		if cerr := h.conn.Close(); cerr != nil && h.err == nil {
			h.err = cerr
		}
	})
	return h.err
}
