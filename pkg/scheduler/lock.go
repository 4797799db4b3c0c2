package scheduler

import (
	"context"
	"sync"
)

// LockManager serializes dispatch and cancellation per entity across workers.
// TryLock is non-blocking: a false return means another worker holds the lock
// and the caller should skip this tick.
type LockManager interface {
	TryLock(ctx context.Context, entityType string, id int64) (release func(), acquired bool, err error)
}

// Entity types used as lock keys.
const TaskEntity = "task"

// memoryLockManager is the single-process LockManager. Multi-worker
// deployments use the Postgres advisory-lock implementation instead.
type memoryLockManager struct {
	mu   sync.Mutex
	held map[lockKey]struct{}
}

type lockKey struct {
	entityType string
	id         int64
}

func NewMemoryLockManager() LockManager {
	return &memoryLockManager{held: make(map[lockKey]struct{})}
}

func (m *memoryLockManager) TryLock(_ context.Context, entityType string, id int64) (func(), bool, error) {
	key := lockKey{entityType, id}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[key]; taken {
		return nil, false, nil
	}
	m.held[key] = struct{}{}
	release := func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}
	return release, true, nil
}
