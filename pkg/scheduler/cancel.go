package scheduler

import (
	"context"
	"time"

	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/pkg/errors"
)

// Canceller transitions a task and all its non-terminal execution records to
// CANCELLED. It takes the same per-task lock as the dispatcher so a cancel
// never races an in-flight dispatch of the same task; record transitions use
// the store's compare-and-set, so a result landing concurrently simply wins
// or loses per record and the loser is a no-op.
type Canceller struct {
	store  storage.Store
	locks  LockManager
	logger Logger
}

func NewCanceller(store storage.Store, locks LockManager, logger Logger) *Canceller {
	return &Canceller{store: store, locks: locks, logger: logger}
}

// Cancel is idempotent: cancelling an already-terminal task is a no-op.
func (c *Canceller) Cancel(ctx context.Context, taskID int64) error {
	release, acquired, err := c.locks.TryLock(ctx, TaskEntity, taskID)
	if err != nil {
		return errors.Wrapf(err, "lock task %d", taskID)
	}
	if !acquired {
		return ErrLockHeld
	}
	defer release()

	task, err := c.store.GetTask(taskID)
	if err != nil {
		return errors.Wrapf(err, "get task %d", taskID)
	}
	if task.Status.Terminal() {
		return nil
	}

	now := time.Now()
	cancelled, err := c.store.CancelOpenExecutions(task.ID, task.Run, now)
	if err != nil {
		return errors.Wrapf(err, "cancel executions of task %d", task.ID)
	}
	applied, err := c.store.CancelTask(task.ID, now)
	if err != nil {
		return errors.Wrapf(err, "cancel task %d", task.ID)
	}
	if applied {
		c.logger.Infof("Cancelled task %d and %d open executions", task.ID, cancelled)
	}
	return nil
}
