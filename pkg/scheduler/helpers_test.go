package scheduler_test

import (
	"context"
	"sync"
	"time"

	"github.com/fleetware/scriptfleet/pkg/delivery"
	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/scheduler"
	"github.com/fleetware/scriptfleet/pkg/storage"
)

type logger struct{}

func (logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// fakeTransport records dispatched instructions and can be told to reject
// delivery for specific devices.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []delivery.Instruction
	failFor map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: make(map[string]error)}
}

func (f *fakeTransport) Dispatch(_ context.Context, ins delivery.Instruction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[ins.DeviceID]; ok {
		return err
	}
	f.sent = append(f.sent, ins)
	return nil
}

func (f *fakeTransport) Sent() []delivery.Instruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]delivery.Instruction, len(f.sent))
	copy(out, f.sent)
	return out
}

// engine bundles a fully wired scheduling engine over the mock store.
type engine struct {
	store      storage.Store
	transport  *fakeTransport
	evaluator  *scheduler.Evaluator
	tracker    *scheduler.Tracker
	dispatcher *scheduler.Dispatcher
	canceller  *scheduler.Canceller
	loop       *scheduler.Loop
}

func newEngine() *engine {
	store := storage.NewMockStore()
	transport := newFakeTransport()
	evaluator := scheduler.NewEvaluator(store, scheduler.DefaultExpirationGrace, scheduler.DefaultGlobalRetryCap)
	tracker := scheduler.NewTracker(store, transport, evaluator, logger{})
	resolver := scheduler.NewTargetResolver(store)
	locks := scheduler.NewMemoryLockManager()
	dispatcher := scheduler.NewDispatcher(store, resolver, locks, tracker, logger{})
	canceller := scheduler.NewCanceller(store, locks, logger{})
	loop := scheduler.NewLoop(store, evaluator, dispatcher, tracker, logger{}, time.Second, scheduler.DefaultRetention)
	return &engine{
		store:      store,
		transport:  transport,
		evaluator:  evaluator,
		tracker:    tracker,
		dispatcher: dispatcher,
		canceller:  canceller,
		loop:       loop,
	}
}

func (e *engine) taskService() *scheduler.TaskService {
	return scheduler.NewTaskService(e.store, e.canceller, logger{})
}

func (e *engine) seedScript(valid bool, maxRetries, timeoutSeconds int) int64 {
	id, err := e.store.SaveScript(models.Script{
		Name:           "disk-cleanup",
		Content:        "#!/bin/sh\nexit 0\n",
		Valid:          valid,
		Priority:       1,
		TimeoutSeconds: timeoutSeconds,
		MaxRetries:     maxRetries,
	})
	if err != nil {
		panic(err)
	}
	return id
}

func (e *engine) seedDevices(ids ...string) {
	for _, id := range ids {
		if err := e.store.SaveDevice(models.Device{ID: id, Name: id, Active: true}); err != nil {
			panic(err)
		}
	}
}

func (e *engine) seedTask(t models.Task) int64 {
	if t.Status == "" {
		t.Status = models.PendingTaskStatus
	}
	if t.CreateTime.IsZero() {
		t.CreateTime = time.Now()
	}
	id, err := e.store.SaveTask(t)
	if err != nil {
		panic(err)
	}
	return id
}

// resultFor reports the outcome of the instruction dispatched to deviceID.
func (e *engine) resultFor(deviceID string, outcome delivery.Outcome, errMsg string) error {
	var ins delivery.Instruction
	for _, sent := range e.transport.Sent() {
		if sent.DeviceID == deviceID {
			ins = sent
		}
	}
	return e.tracker.HandleResult(context.Background(), delivery.Result{
		InstructionID: ins.InstructionID,
		DeviceID:      deviceID,
		Outcome:       outcome,
		ErrorMessage:  errMsg,
		ReportedAt:    time.Now(),
	})
}
