package storage

import (
	"time"

	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for ScriptFleet.
//
// Status-changing operations with a (bool, error) return use compare-and-set
// semantics: the transition is applied only if the row is still in an
// allowed source state, and the bool reports whether it landed. Callers rely
// on this to keep terminal states immutable under concurrent transitions.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Script operations
	SaveScript(s models.Script) (int64, error)
	GetScript(id int64) (models.Script, error)
	ListScripts() ([]models.Script, error)

	// Device directory
	SaveDevice(d models.Device) error
	ListActiveDevices() ([]models.Device, error)
	DeviceExists(id string) (bool, error)
	SaveGroup(g models.DeviceGroup, memberIDs []string) (int64, error)
	ListGroupMembers(groupID int64) ([]string, error)

	// Task operations
	SaveTask(t models.Task) (int64, error)
	GetTask(id int64) (models.Task, error)
	ListTasks() ([]models.Task, error)
	// ListDueTasks returns PENDING tasks whose script is valid and which are
	// due at now (IMMEDIATE, or scheduled_time <= now), ordered by
	// priority DESC, create_time ASC.
	ListDueTasks(now time.Time) ([]models.Task, error)
	// ListExpiredScheduledTasks returns PENDING SCHEDULED tasks whose
	// scheduled_time is before the given cutoff.
	ListExpiredScheduledTasks(cutoff time.Time) ([]models.Task, error)
	// MarkTaskDispatched moves a PENDING task to RUNNING, fixing the device
	// total and start time for the current run.
	MarkTaskDispatched(id int64, totalDevices int, at time.Time) (bool, error)
	// FailTaskBeforeDispatch moves a PENDING task directly to FAILED
	// (no eligible targets, expired schedule, resolution failure).
	FailTaskBeforeDispatch(id int64, reason string, at time.Time) (bool, error)
	// CompleteTaskRun moves a RUNNING task to COMPLETED or FAILED.
	CompleteTaskRun(id int64, status models.TaskStatus, reason string, at time.Time) (bool, error)
	// CancelTask moves a PENDING or RUNNING task to CANCELLED.
	CancelTask(id int64, at time.Time) (bool, error)
	// ResetRecurringTask requeues a terminal RECURRING task for its next run:
	// status PENDING, run incremented, counters and run timestamps zeroed.
	ResetRecurringTask(id int64, next time.Time) error
	// AddTaskResult atomically increments the success or failed device
	// counter and returns the updated task.
	AddTaskResult(id int64, success bool) (models.Task, error)

	// Execution record operations
	SaveExecution(e models.ExecutionRecord) (int64, error)
	GetExecution(id int64) (models.ExecutionRecord, error)
	GetExecutionByInstruction(instructionID string) (models.ExecutionRecord, error)
	ListExecutionsByTask(taskID int64, run int) ([]models.ExecutionRecord, error)
	// ListOpenExecutions returns all PENDING and RUNNING records.
	ListOpenExecutions() ([]models.ExecutionRecord, error)
	// MarkExecutionRunning moves a PENDING record to RUNNING on delivery ack.
	MarkExecutionRunning(id int64, at time.Time) (bool, error)
	// CompleteExecution moves a non-terminal record to the given terminal
	// status. A record already terminal is left untouched and false returned.
	CompleteExecution(id int64, status models.ExecutionStatus, errorMsg string, at time.Time) (bool, error)
	// CancelOpenExecutions cancels every non-terminal record of a task run
	// and returns how many records it transitioned.
	CancelOpenExecutions(taskID int64, run int, at time.Time) (int64, error)

	// Housekeeping
	PurgeTasksBefore(cutoff time.Time) (int64, error)
	PurgeExecutionsBefore(cutoff time.Time) (int64, error)
}
