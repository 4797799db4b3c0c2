package models

import "time"

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "PENDING"
	RunningExecutionStatus   ExecutionStatus = "RUNNING"
	SuccessExecutionStatus   ExecutionStatus = "SUCCESS"
	FailedExecutionStatus    ExecutionStatus = "FAILED"
	CancelledExecutionStatus ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the record ignores further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == SuccessExecutionStatus || s == FailedExecutionStatus || s == CancelledExecutionStatus
}

// ExecutionRecord is one attempt of one script run on one device. Retries
// create a new record with an incremented RetryCount rather than mutating a
// terminal one, so the full attempt history is preserved.
type ExecutionRecord struct {
	ID            int64           `json:"id" db:"id"`
	TaskID        int64           `json:"task_id" db:"task_id"`
	TaskRun       int             `json:"task_run" db:"task_run"`
	DeviceID      string          `json:"device_id" db:"device_id"`
	ScriptID      int64           `json:"script_id" db:"script_id"`
	InstructionID string          `json:"instruction_id" db:"instruction_id"`
	Status        ExecutionStatus `json:"status" db:"status"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	ErrorMessage  string          `json:"error_message,omitempty" db:"error_message"`
	StartTime     *time.Time      `json:"start_time,omitempty" db:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty" db:"end_time"`
	CreateTime    time.Time       `json:"create_time" db:"create_time"`
}

// Duration is the elapsed wall time of the attempt, zero until both
// endpoints are known.
func (r ExecutionRecord) Duration() time.Duration {
	if r.StartTime == nil || r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(*r.StartTime)
}
