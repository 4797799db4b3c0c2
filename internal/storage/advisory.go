package storage

import (
	"context"
	"hash/fnv"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// AdvisoryLockManager serializes per-task dispatch and cancellation across
// worker processes using Postgres session advisory locks. Each acquired lock
// pins one pooled connection until released, so the lock and its unlock run
// on the same session.
type AdvisoryLockManager struct {
	db *sqlx.DB
}

func NewAdvisoryLockManager(db *sqlx.DB) *AdvisoryLockManager {
	return &AdvisoryLockManager{db: db}
}

func (m *AdvisoryLockManager) TryLock(ctx context.Context, entityType string, id int64) (func(), bool, error) {
	conn, err := m.db.Connx(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire connection for advisory lock")
	}
	key := advisoryKey(entityType, id)
	var acquired bool
	if err := conn.GetContext(ctx, &acquired, "SELECT pg_try_advisory_lock($1)", key); err != nil {
		conn.Close()
		return nil, false, errors.Wrapf(err, "try advisory lock %s/%d", entityType, id)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	release := func() {
		// Context-independent: the lock must be dropped even if the caller's
		// context is already cancelled.
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Close()
	}
	return release, true, nil
}

func advisoryKey(entityType string, id int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(entityType))
	return int64(h.Sum64()) ^ id
}
