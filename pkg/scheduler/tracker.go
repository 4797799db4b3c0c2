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

// Logger defines the logging interface the engine components accept.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Tracker applies state transitions to execution records as delivery acks
// and device results arrive, and rolls per-device outcomes up into the
// parent task's aggregate counters.
//
// Every terminal transition goes through a store-level compare-and-set, so a
// result for an already-terminal record is a logged no-op and each record
// feeds the aggregates exactly once, for any interleaving of arrivals.
type Tracker struct {
	store     storage.Store
	transport delivery.Transport
	evaluator *Evaluator
	logger    Logger
}

func NewTracker(store storage.Store, transport delivery.Transport, evaluator *Evaluator, logger Logger) *Tracker {
	return &Tracker{
		store:     store,
		transport: transport,
		evaluator: evaluator,
		logger:    logger,
	}
}

// HandleAck moves a record to RUNNING once the transport acknowledges
// delivery. Acks for records no longer pending are ignored.
func (tr *Tracker) HandleAck(instructionID string) error {
	rec, err := tr.store.GetExecutionByInstruction(instructionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			tr.logger.Infof("Ack for unknown instruction %s, ignoring", instructionID)
			return nil
		}
		return errors.Wrapf(err, "lookup instruction %s", instructionID)
	}
	applied, err := tr.store.MarkExecutionRunning(rec.ID, time.Now())
	if err != nil {
		return errors.Wrapf(err, "mark execution %d running", rec.ID)
	}
	if !applied {
		tr.logger.Infof("Ack for execution %d ignored: not pending", rec.ID)
	}
	return nil
}

// HandleResult consumes one asynchronous device result, keyed by
// instruction ID. Results for unknown instructions or already-terminal
// records are logged and dropped, never surfaced as errors.
func (tr *Tracker) HandleResult(ctx context.Context, res delivery.Result) error {
	rec, err := tr.store.GetExecutionByInstruction(res.InstructionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			tr.logger.Infof("Result for unknown instruction %s, ignoring", res.InstructionID)
			return nil
		}
		return errors.Wrapf(err, "lookup instruction %s", res.InstructionID)
	}

	switch res.Outcome {
	case delivery.SuccessOutcome:
		return tr.succeedExecution(rec)
	case delivery.FailedOutcome:
		return tr.FailExecution(ctx, rec, res.ErrorMessage)
	case delivery.TimeoutOutcome:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "device reported timeout"
		}
		return tr.FailExecution(ctx, rec, msg)
	default:
		return errors.Errorf("unknown outcome %q for instruction %s", res.Outcome, res.InstructionID)
	}
}

// Sweep fails records whose result never arrived within the script's timeout
// window. Pending records that were never acknowledged are measured from
// their creation time.
func (tr *Tracker) Sweep(ctx context.Context, now time.Time) error {
	open, err := tr.store.ListOpenExecutions()
	if err != nil {
		return errors.Wrap(err, "list open executions")
	}
	timeouts := make(map[int64]time.Duration)
	for _, rec := range open {
		timeout, ok := timeouts[rec.ScriptID]
		if !ok {
			script, err := tr.store.GetScript(rec.ScriptID)
			if err != nil {
				tr.logger.Errorf("Sweep: failed to load script %d: %v", rec.ScriptID, err)
				continue
			}
			timeout = script.Timeout()
			timeouts[rec.ScriptID] = timeout
		}
		if timeout <= 0 {
			continue
		}
		base := rec.CreateTime
		if rec.StartTime != nil {
			base = *rec.StartTime
		}
		if now.Sub(base) <= timeout {
			continue
		}
		tr.logger.Infof("Execution %d timed out after %s, failing", rec.ID, timeout)
		if err := tr.FailExecution(ctx, rec, "execution timed out"); err != nil {
			tr.logger.Errorf("Sweep: failed to fail execution %d: %v", rec.ID, err)
		}
	}
	return nil
}

func (tr *Tracker) succeedExecution(rec models.ExecutionRecord) error {
	applied, err := tr.store.CompleteExecution(rec.ID, models.SuccessExecutionStatus, "", time.Now())
	if err != nil {
		return errors.Wrapf(err, "complete execution %d", rec.ID)
	}
	if !applied {
		tr.logger.Infof("Duplicate result for execution %d ignored: already terminal", rec.ID)
		return nil
	}
	return tr.recordOutcome(rec, true)
}

// FailExecution moves a record to FAILED and either spawns a retry attempt
// or, once retries are exhausted, counts the device as failed on the task.
func (tr *Tracker) FailExecution(ctx context.Context, rec models.ExecutionRecord, errorMsg string) error {
	applied, err := tr.store.CompleteExecution(rec.ID, models.FailedExecutionStatus, errorMsg, time.Now())
	if err != nil {
		return errors.Wrapf(err, "complete execution %d", rec.ID)
	}
	if !applied {
		tr.logger.Infof("Duplicate result for execution %d ignored: already terminal", rec.ID)
		return nil
	}

	script, err := tr.store.GetScript(rec.ScriptID)
	if err != nil {
		return errors.Wrapf(err, "get script %d", rec.ScriptID)
	}
	task, err := tr.store.GetTask(rec.TaskID)
	if err != nil {
		return errors.Wrapf(err, "get task %d", rec.TaskID)
	}

	// A retried device has not produced its final outcome yet, so it must
	// not count toward the aggregates; only its last attempt does.
	if task.Status == models.RunningTaskStatus && task.Run == rec.TaskRun && tr.evaluator.RetryEligible(rec, script) {
		return tr.retryExecution(ctx, rec, script)
	}
	return tr.recordOutcome(rec, false)
}

func (tr *Tracker) retryExecution(ctx context.Context, prev models.ExecutionRecord, script models.Script) error {
	now := time.Now()
	rec := models.ExecutionRecord{
		TaskID:        prev.TaskID,
		TaskRun:       prev.TaskRun,
		DeviceID:      prev.DeviceID,
		ScriptID:      prev.ScriptID,
		InstructionID: uuid.NewString(),
		Status:        models.PendingExecutionStatus,
		RetryCount:    prev.RetryCount + 1,
		CreateTime:    now,
	}
	id, err := tr.store.SaveExecution(rec)
	if err != nil {
		return errors.Wrapf(err, "save retry execution for task %d device %s", prev.TaskID, prev.DeviceID)
	}
	rec.ID = id
	tr.logger.Infof("Retrying task %d on device %s, attempt %d", rec.TaskID, rec.DeviceID, rec.RetryCount)

	ins := delivery.Instruction{
		InstructionID: rec.InstructionID,
		DeviceID:      rec.DeviceID,
		ScriptID:      script.ID,
		Payload:       script.Content,
		IssuedAt:      now,
	}
	if err := tr.transport.Dispatch(ctx, ins); err != nil {
		tr.logger.Errorf("Delivery of retry instruction %s failed: %v", rec.InstructionID, err)
		// Bounded by the retry cap: each failed hand-off burns one attempt.
		return tr.FailExecution(ctx, rec, err.Error())
	}
	return nil
}

// recordOutcome feeds one final device outcome into the task aggregates and
// completes the run when the last device reports.
func (tr *Tracker) recordOutcome(rec models.ExecutionRecord, success bool) error {
	task, err := tr.store.AddTaskResult(rec.TaskID, success)
	if err != nil {
		return errors.Wrapf(err, "add result to task %d", rec.TaskID)
	}
	if task.TotalDevices == 0 || task.SuccessCount+task.FailedCount < task.TotalDevices {
		return nil
	}

	status := models.CompletedTaskStatus
	reason := ""
	if task.FailedCount > 0 {
		status = models.FailedTaskStatus
		reason = "one or more devices failed"
	}
	now := time.Now()
	applied, err := tr.store.CompleteTaskRun(task.ID, status, reason, now)
	if err != nil {
		return errors.Wrapf(err, "complete task %d", task.ID)
	}
	if !applied {
		return nil
	}
	tr.logger.Infof("Task %d run %d finished: %s (%d success, %d failed)",
		task.ID, task.Run, status, task.SuccessCount, task.FailedCount)

	if task.TaskType == models.RecurringTaskType && task.CronExpr != "" {
		next, err := NextDueTime(task.CronExpr, now)
		if err != nil {
			return errors.Wrapf(err, "compute next due time for task %d", task.ID)
		}
		if err := tr.store.ResetRecurringTask(task.ID, next); err != nil {
			return errors.Wrapf(err, "requeue recurring task %d", task.ID)
		}
		tr.logger.Infof("Recurring task %d requeued for %s", task.ID, next)
	}
	return nil
}
