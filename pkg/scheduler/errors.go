package scheduler

import "github.com/pkg/errors"

var (
	// ErrGroupNotFound means a task's target group reference no longer
	// resolves. The task is failed with this reason, never silently dropped.
	ErrGroupNotFound = errors.New("target group not found")

	// ErrNoEligibleTargets means target resolution produced an empty device
	// set. The task is failed without creating execution records.
	ErrNoEligibleTargets = errors.New("no eligible targets")

	// ErrLockHeld means another worker holds the per-task lock. The caller
	// defers to the next tick; this never surfaces as a user-visible failure.
	ErrLockHeld = errors.New("task lock held by another worker")
)
