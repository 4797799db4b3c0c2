package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	CancelledTaskStatus TaskStatus = "CANCELLED"
)

// Terminal reports whether no further task-level transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus || s == CancelledTaskStatus
}

type TaskType string

const (
	ImmediateTaskType TaskType = "IMMEDIATE"
	ScheduledTaskType TaskType = "SCHEDULED"
	RecurringTaskType TaskType = "RECURRING"
)

type TargetType string

const (
	AllTargets      TargetType = "ALL"
	GroupTargets    TargetType = "GROUP"
	SpecificTargets TargetType = "SPECIFIC"
)

// Task binds one script to a target device set and tracks the aggregate
// outcome of its current run. A RECURRING task is reset to PENDING with the
// next due time after each run reaches a terminal aggregate; Run increments
// so execution records of past runs never collide with the next dispatch.
type Task struct {
	ID            int64      `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	ScriptID      int64      `json:"script_id" db:"script_id"`
	TaskType      TaskType   `json:"task_type" db:"task_type"`
	Status        TaskStatus `json:"status" db:"status"`
	TargetType    TargetType `json:"target_type" db:"target_type"`
	TargetGroupID *int64     `json:"target_group_id,omitempty" db:"target_group_id"`
	TargetDevices StringList `json:"target_devices,omitempty" db:"target_devices"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty" db:"scheduled_time"`
	CronExpr      string     `json:"cron_expr,omitempty" db:"cron_expr"`
	Priority      int        `json:"priority" db:"priority"`
	Run           int        `json:"run" db:"run"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	MaxRetries    int        `json:"max_retries" db:"max_retries"`
	TotalDevices  int        `json:"total_devices" db:"total_devices"`
	SuccessCount  int        `json:"success_devices" db:"success_devices"`
	FailedCount   int        `json:"failed_devices" db:"failed_devices"`
	FailReason    string     `json:"fail_reason,omitempty" db:"fail_reason"`
	StartTime     *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty" db:"end_time"`
	CreateTime    time.Time  `json:"create_time" db:"create_time"`
}

// Progress is the completed share of the current run in percent, rounded to
// two decimals. A run with no devices has progress 0.
func (t Task) Progress() float64 {
	if t.TotalDevices == 0 {
		return 0
	}
	p := 100 * float64(t.SuccessCount+t.FailedCount) / float64(t.TotalDevices)
	return float64(int(p*100+0.5)) / 100
}
