package scheduler

import (
	"time"

	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// DefaultExpirationGrace is how long past its scheduled time a still
	// pending SCHEDULED task may linger before it is expired instead of
	// dispatched.
	DefaultExpirationGrace = time.Hour

	// DefaultGlobalRetryCap is the system-wide retry ceiling. The effective
	// cap for a record is min(script.MaxRetries, global cap).
	DefaultGlobalRetryCap = 5
)

// Evaluator decides which tasks are due at a given instant and which failed
// records are still allowed a retry.
type Evaluator struct {
	store    storage.Store
	grace    time.Duration
	retryCap int
}

func NewEvaluator(store storage.Store, grace time.Duration, retryCap int) *Evaluator {
	if grace <= 0 {
		grace = DefaultExpirationGrace
	}
	if retryCap <= 0 {
		retryCap = DefaultGlobalRetryCap
	}
	return &Evaluator{store: store, grace: grace, retryCap: retryCap}
}

// DueTasks returns tasks due for first dispatch at now, ordered by
// priority DESC, create_time ASC. SCHEDULED tasks already past the
// expiration grace are excluded; ExpiredTasks reports those.
func (e *Evaluator) DueTasks(now time.Time) ([]models.Task, error) {
	due, err := e.store.ListDueTasks(now)
	if err != nil {
		return nil, errors.Wrap(err, "list due tasks")
	}
	eligible := due[:0]
	for _, t := range due {
		if e.expired(t, now) {
			continue
		}
		eligible = append(eligible, t)
	}
	return eligible, nil
}

// ExpiredTasks returns pending SCHEDULED tasks whose scheduled time is more
// than the grace period in the past. Expiration never applies to running or
// terminal tasks, nor to IMMEDIATE or RECURRING ones.
func (e *Evaluator) ExpiredTasks(now time.Time) ([]models.Task, error) {
	expired, err := e.store.ListExpiredScheduledTasks(now.Add(-e.grace))
	if err != nil {
		return nil, errors.Wrap(err, "list expired tasks")
	}
	return expired, nil
}

func (e *Evaluator) expired(t models.Task, now time.Time) bool {
	return t.TaskType == models.ScheduledTaskType &&
		t.ScheduledTime != nil &&
		now.Sub(*t.ScheduledTime) > e.grace
}

// RetryEligible reports whether a failed record may be attempted again:
// its retry count must be below both the script's own limit and the
// system-wide cap.
func (e *Evaluator) RetryEligible(rec models.ExecutionRecord, script models.Script) bool {
	limit := script.MaxRetries
	if e.retryCap < limit {
		limit = e.retryCap
	}
	return rec.RetryCount < limit
}
