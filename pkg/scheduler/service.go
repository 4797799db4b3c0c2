package scheduler

import (
	"context"
	"time"

	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService is the write surface the CLI and HTTP layers use to create and
// inspect tasks. The engine itself never goes through it.
type TaskService struct {
	store     storage.Store
	canceller *Canceller
	logger    Logger
}

func NewTaskService(store storage.Store, canceller *Canceller, logger Logger) *TaskService {
	return &TaskService{store: store, canceller: canceller, logger: logger}
}

// CreateTask validates and persists a new task in PENDING state.
func (s *TaskService) CreateTask(t models.Task) (id int64, err error) {
	if t.Name == "" {
		return 0, errors.New("task name cannot be empty")
	}
	if t.ScriptID == 0 {
		return 0, errors.New("task requires a script reference")
	}
	switch t.TaskType {
	case models.ImmediateTaskType:
	case models.ScheduledTaskType:
		if t.ScheduledTime == nil {
			return 0, errors.New("scheduled task requires a scheduled time")
		}
	case models.RecurringTaskType:
		if t.CronExpr == "" {
			return 0, errors.New("recurring task requires a cron expression")
		}
		if err := ValidateCron(t.CronExpr); err != nil {
			return 0, err
		}
		if t.ScheduledTime == nil {
			next, err := NextDueTime(t.CronExpr, time.Now())
			if err != nil {
				return 0, err
			}
			t.ScheduledTime = &next
		}
	default:
		return 0, errors.Errorf("invalid task type %q", t.TaskType)
	}
	switch t.TargetType {
	case models.AllTargets:
	case models.GroupTargets:
		if t.TargetGroupID == nil {
			return 0, errors.New("group-targeted task requires a group reference")
		}
	case models.SpecificTargets:
		if len(t.TargetDevices) == 0 {
			return 0, errors.New("device-targeted task requires at least one device ID")
		}
	default:
		return 0, errors.Errorf("invalid target type %q", t.TargetType)
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	script, err := txStore.GetScript(t.ScriptID)
	if err != nil {
		return 0, errors.Wrapf(err, "script %d", t.ScriptID)
	}
	if !script.Valid {
		return 0, errors.Errorf("script %d is not eligible for scheduling", script.ID)
	}
	if t.Priority == 0 {
		t.Priority = script.Priority
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = script.MaxRetries
	}
	t.Status = models.PendingTaskStatus
	t.CreateTime = time.Now()

	id, err = txStore.SaveTask(t)
	if err != nil {
		return 0, errors.Wrap(err, "save task")
	}
	s.logger.Infof("Created task '%s' with ID %d", t.Name, id)
	return id, nil
}

// CancelTask cancels the task and its open execution records. Lock
// contention with a concurrent dispatch is retried briefly rather than
// surfaced to the caller.
func (s *TaskService) CancelTask(ctx context.Context, taskID int64) error {
	for {
		err := s.canceller.Cancel(ctx, taskID)
		if !errors.Is(err, ErrLockHeld) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *TaskService) GetTask(id int64) (models.Task, error) {
	return s.store.GetTask(id)
}

func (s *TaskService) ListTasks() ([]models.Task, error) {
	return s.store.ListTasks()
}

// TaskExecutions returns the attempt history of the task's current run.
func (s *TaskService) TaskExecutions(taskID int64) ([]models.ExecutionRecord, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.store.ListExecutionsByTask(task.ID, task.Run)
}
