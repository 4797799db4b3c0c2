package scheduler

import (
	"context"
	"time"

	"github.com/fleetware/scriptfleet/pkg/delivery"
	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Dispatcher turns one eligible task into one execution record per target
// device and enqueues each instruction to the delivery transport.
//
// Dispatch is idempotent per (task, run, device): re-running it after a
// partial failure skips the records that already exist, so a crashed worker
// is recovered by the next tick without duplicating attempts.
type Dispatcher struct {
	store    storage.Store
	resolver *TargetResolver
	locks    LockManager
	tracker  *Tracker
	logger   Logger
}

func NewDispatcher(store storage.Store, resolver *TargetResolver, locks LockManager, tracker *Tracker, logger Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		locks:    locks,
		tracker:  tracker,
		logger:   logger,
	}
}

// Dispatch resolves the task's targets and creates and enqueues one pending
// execution record per device. It takes the per-task lock so exactly one
// worker dispatches a given run; losers get ErrLockHeld and retry next tick.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID int64) error {
	release, acquired, err := d.locks.TryLock(ctx, TaskEntity, taskID)
	if err != nil {
		return errors.Wrapf(err, "lock task %d", taskID)
	}
	if !acquired {
		return ErrLockHeld
	}
	defer release()

	// Re-read under the lock: a concurrent cancel may have landed since the
	// task was selected as due.
	task, err := d.store.GetTask(taskID)
	if err != nil {
		return errors.Wrapf(err, "get task %d", taskID)
	}
	if task.Status != models.PendingTaskStatus {
		return nil
	}

	script, err := d.store.GetScript(task.ScriptID)
	if err != nil {
		return errors.Wrapf(err, "get script %d for task %d", task.ScriptID, task.ID)
	}
	if !script.Valid {
		d.logger.Infof("Skipping task %d: script %d is not valid", task.ID, script.ID)
		return nil
	}

	now := time.Now()
	targets, err := d.resolver.Resolve(task)
	if err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			if _, failErr := d.store.FailTaskBeforeDispatch(task.ID, err.Error(), now); failErr != nil {
				return errors.Wrapf(failErr, "fail task %d after resolution error", task.ID)
			}
		}
		return errors.Wrapf(err, "resolve targets for task %d", task.ID)
	}
	if len(targets) == 0 {
		d.logger.Infof("Task %d resolved no eligible targets, marking failed", task.ID)
		_, err := d.store.FailTaskBeforeDispatch(task.ID, ErrNoEligibleTargets.Error(), now)
		return errors.Wrapf(err, "fail task %d with no eligible targets", task.ID)
	}

	// Records surviving a previous partial dispatch count as dispatched.
	existing, err := d.store.ListExecutionsByTask(task.ID, task.Run)
	if err != nil {
		return errors.Wrapf(err, "list executions for task %d", task.ID)
	}
	dispatched := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		dispatched[rec.DeviceID] = struct{}{}
	}

	var created []models.ExecutionRecord
	for _, deviceID := range targets {
		if _, ok := dispatched[deviceID]; ok {
			continue
		}
		rec := models.ExecutionRecord{
			TaskID:        task.ID,
			TaskRun:       task.Run,
			DeviceID:      deviceID,
			ScriptID:      script.ID,
			InstructionID: uuid.NewString(),
			Status:        models.PendingExecutionStatus,
			CreateTime:    now,
		}
		id, err := d.store.SaveExecution(rec)
		if err != nil {
			return errors.Wrapf(err, "save execution for task %d device %s", task.ID, deviceID)
		}
		rec.ID = id
		created = append(created, rec)
	}

	if applied, err := d.store.MarkTaskDispatched(task.ID, len(targets), now); err != nil {
		return errors.Wrapf(err, "mark task %d dispatched", task.ID)
	} else if !applied {
		d.logger.Infof("Task %d left pending state during dispatch, skipping delivery", task.ID)
		return nil
	}

	for _, rec := range created {
		ins := delivery.Instruction{
			InstructionID: rec.InstructionID,
			DeviceID:      rec.DeviceID,
			ScriptID:      script.ID,
			Payload:       script.Content,
			IssuedAt:      now,
		}
		if err := d.tracker.transport.Dispatch(ctx, ins); err != nil {
			// A transport rejection fails this record alone; remaining
			// targets still get their dispatch.
			d.logger.Errorf("Delivery of instruction %s to device %s failed: %v", rec.InstructionID, rec.DeviceID, err)
			if failErr := d.tracker.FailExecution(ctx, rec, err.Error()); failErr != nil {
				d.logger.Errorf("Failed to record delivery failure for execution %d: %v", rec.ID, failErr)
			}
			continue
		}
		d.logger.Infof("Dispatched instruction %s for task %d to device %s", rec.InstructionID, task.ID, rec.DeviceID)
	}
	return nil
}
