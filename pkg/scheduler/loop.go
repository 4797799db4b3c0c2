package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// DefaultTickInterval is how often the loop evaluates eligibility.
	DefaultTickInterval = 5 * time.Second

	// DefaultRetention is how long terminal tasks and records are kept
	// before the housekeeping pass deletes them.
	DefaultRetention = 30 * 24 * time.Hour

	purgeInterval = time.Hour
)

// Loop is the periodic driver: each tick it expires stale scheduled tasks,
// dispatches due tasks and sweeps timed-out execution records. Multiple
// workers may run the same loop against one store; the per-task lock inside
// the dispatcher keeps them from double-dispatching.
type Loop struct {
	store      storage.Store
	evaluator  *Evaluator
	dispatcher *Dispatcher
	tracker    *Tracker
	logger     Logger
	tick       time.Duration
	retention  time.Duration
	lastPurge  time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewLoop(store storage.Store, evaluator *Evaluator, dispatcher *Dispatcher, tracker *Tracker, logger Logger, tick, retention time.Duration) *Loop {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Loop{
		store:      store,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		tracker:    tracker,
		logger:     logger,
		tick:       tick,
		retention:  retention,
	}
}

// Start launches the ticker goroutine. Stop waits for the current tick to
// finish.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Tick(ctx, time.Now())
			}
		}
	}()
}

func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Tick runs one full scheduling pass at the given instant.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	l.expireTasks(now)
	l.dispatchDue(ctx, now)
	if err := l.tracker.Sweep(ctx, now); err != nil {
		l.logger.Errorf("Sweep failed: %v", err)
	}
	l.purge(now)
}

func (l *Loop) expireTasks(now time.Time) {
	expired, err := l.evaluator.ExpiredTasks(now)
	if err != nil {
		l.logger.Errorf("Failed to list expired tasks: %v", err)
		return
	}
	for _, t := range expired {
		applied, err := l.store.FailTaskBeforeDispatch(t.ID, "schedule expired", now)
		if err != nil {
			l.logger.Errorf("Failed to expire task %d: %v", t.ID, err)
			continue
		}
		if applied {
			l.logger.Infof("Task %d expired: scheduled for %s, never dispatched", t.ID, t.ScheduledTime)
		}
	}
}

func (l *Loop) dispatchDue(ctx context.Context, now time.Time) {
	due, err := l.evaluator.DueTasks(now)
	if err != nil {
		l.logger.Errorf("Failed to list due tasks: %v", err)
		return
	}
	for _, t := range due {
		if err := l.dispatcher.Dispatch(ctx, t.ID); err != nil {
			if errors.Is(err, ErrLockHeld) {
				// Another worker got there first; this tick is done with it.
				continue
			}
			l.logger.Errorf("Dispatch of task %d failed: %v", t.ID, err)
		}
	}
}

func (l *Loop) purge(now time.Time) {
	if now.Sub(l.lastPurge) < purgeInterval {
		return
	}
	l.lastPurge = now
	cutoff := now.Add(-l.retention)
	if n, err := l.store.PurgeExecutionsBefore(cutoff); err != nil {
		l.logger.Errorf("Failed to purge executions: %v", err)
	} else if n > 0 {
		l.logger.Infof("Purged %d execution records older than %s", n, cutoff)
	}
	if n, err := l.store.PurgeTasksBefore(cutoff); err != nil {
		l.logger.Errorf("Failed to purge tasks: %v", err)
	} else if n > 0 {
		l.logger.Infof("Purged %d tasks older than %s", n, cutoff)
	}
}
