package storage_test

import (
	"context"
	"testing"
	"time"

	internal_storage "github.com/fleetware/scriptfleet/internal/storage"
	"github.com/fleetware/scriptfleet/internal/testutil"
	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	seedScript := func(t *testing.T, store *internal_storage.PostgresStore) int64 {
		id, err := store.SaveScript(models.Script{
			Name:           "disk-cleanup",
			Content:        "#!/bin/sh\nexit 0\n",
			Checksum:       "abc123",
			Valid:          true,
			Priority:       1,
			TimeoutSeconds: 300,
			MaxRetries:     2,
		})
		assert.NoError(t, err)
		return id
	}

	seedTask := func(t *testing.T, store *internal_storage.PostgresStore, scriptID int64, status models.TaskStatus) int64 {
		id, err := store.SaveTask(models.Task{
			Name:       "rollout",
			ScriptID:   scriptID,
			TaskType:   models.ImmediateTaskType,
			Status:     status,
			TargetType: models.AllTargets,
			Priority:   1,
			CreateTime: time.Now(),
		})
		assert.NoError(t, err)
		return id
	}

	t.Run("SaveAndGetScript", func(t *testing.T) {
		store := newTxStore(t)
		id := seedScript(t, store)
		assert.Greater(t, id, int64(0))

		saved, err := store.GetScript(id)
		assert.NoError(t, err)
		assert.Equal(t, "disk-cleanup", saved.Name)
		assert.Equal(t, "abc123", saved.Checksum)
		assert.True(t, saved.Valid)
		assert.Equal(t, 5*time.Minute, saved.Timeout())
	})

	t.Run("GetNonExistingScript", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetScript(123)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveDeviceAndListActive", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-a", Name: "rack-1", Active: true}))
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-b", Name: "rack-2", Active: false}))

		active, err := store.ListActiveDevices()
		assert.NoError(t, err)
		assert.Len(t, active, 1)
		assert.Equal(t, "dev-a", active[0].ID)

		exists, err := store.DeviceExists("dev-b")
		assert.NoError(t, err)
		assert.True(t, exists)
		exists, err = store.DeviceExists("dev-c")
		assert.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("SaveGroupAndListMembers", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-a", Name: "rack-1", Active: true}))
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-b", Name: "rack-2", Active: true}))

		groupID, err := store.SaveGroup(models.DeviceGroup{Name: "rack-east"}, []string{"dev-a", "dev-b"})
		assert.NoError(t, err)

		members, err := store.ListGroupMembers(groupID)
		assert.NoError(t, err)
		assert.Equal(t, []string{"dev-a", "dev-b"}, members)
	})

	t.Run("ListMembersOfNonExistingGroup", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.ListGroupMembers(123)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveAndGetTask", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		when := time.Now().Add(time.Hour).Truncate(time.Second)
		taskID, err := store.SaveTask(models.Task{
			Name:          "patch-window",
			ScriptID:      scriptID,
			TaskType:      models.ScheduledTaskType,
			Status:        models.PendingTaskStatus,
			TargetType:    models.SpecificTargets,
			TargetDevices: models.StringList{"dev-a", "dev-b"},
			ScheduledTime: &when,
			Priority:      3,
			MaxRetries:    2,
			CreateTime:    time.Now(),
		})
		assert.NoError(t, err)

		saved, err := store.GetTask(taskID)
		assert.NoError(t, err)
		assert.Equal(t, "patch-window", saved.Name)
		assert.Equal(t, models.StringList{"dev-a", "dev-b"}, saved.TargetDevices)
		assert.Equal(t, models.PendingTaskStatus, saved.Status)
		assert.Equal(t, 0, saved.Run)
	})

	t.Run("ListDueTasksOrdering", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)

		low, err := store.SaveTask(models.Task{
			Name: "low", ScriptID: scriptID, TaskType: models.ImmediateTaskType,
			Status: models.PendingTaskStatus, TargetType: models.AllTargets,
			Priority: 1, CreateTime: time.Now(),
		})
		assert.NoError(t, err)
		high, err := store.SaveTask(models.Task{
			Name: "high", ScriptID: scriptID, TaskType: models.ImmediateTaskType,
			Status: models.PendingTaskStatus, TargetType: models.AllTargets,
			Priority: 9, CreateTime: time.Now(),
		})
		assert.NoError(t, err)
		future := time.Now().Add(time.Hour)
		_, err = store.SaveTask(models.Task{
			Name: "later", ScriptID: scriptID, TaskType: models.ScheduledTaskType,
			Status: models.PendingTaskStatus, TargetType: models.AllTargets,
			ScheduledTime: &future, Priority: 9, CreateTime: time.Now(),
		})
		assert.NoError(t, err)

		due, err := store.ListDueTasks(time.Now())
		assert.NoError(t, err)
		assert.Len(t, due, 2)
		assert.Equal(t, high, due[0].ID)
		assert.Equal(t, low, due[1].ID)
	})

	t.Run("ListExpiredScheduledTasks", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		stale := time.Now().Add(-2 * time.Hour)
		staleID, err := store.SaveTask(models.Task{
			Name: "missed", ScriptID: scriptID, TaskType: models.ScheduledTaskType,
			Status: models.PendingTaskStatus, TargetType: models.AllTargets,
			ScheduledTime: &stale, Priority: 1, CreateTime: time.Now(),
		})
		assert.NoError(t, err)
		seedTask(t, store, scriptID, models.PendingTaskStatus)

		expired, err := store.ListExpiredScheduledTasks(time.Now().Add(-time.Hour))
		assert.NoError(t, err)
		assert.Len(t, expired, 1)
		assert.Equal(t, staleID, expired[0].ID)
	})

	t.Run("MarkTaskDispatchedOnlyFromPending", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.PendingTaskStatus)

		applied, err := store.MarkTaskDispatched(taskID, 3, time.Now())
		assert.NoError(t, err)
		assert.True(t, applied)

		task, err := store.GetTask(taskID)
		assert.NoError(t, err)
		assert.Equal(t, models.RunningTaskStatus, task.Status)
		assert.Equal(t, 3, task.TotalDevices)
		assert.NotNil(t, task.StartTime)

		applied, err = store.MarkTaskDispatched(taskID, 3, time.Now())
		assert.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("CompleteTaskRunOnlyFromRunning", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.RunningTaskStatus)

		applied, err := store.CompleteTaskRun(taskID, models.FailedTaskStatus, "one or more devices failed", time.Now())
		assert.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.CompleteTaskRun(taskID, models.CompletedTaskStatus, "", time.Now())
		assert.NoError(t, err)
		assert.False(t, applied, "terminal tasks never transition again")
	})

	t.Run("CancelTaskTerminalImmutability", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.PendingTaskStatus)

		applied, err := store.CancelTask(taskID, time.Now())
		assert.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.CancelTask(taskID, time.Now())
		assert.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("AddTaskResultIncrementsCounters", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.RunningTaskStatus)

		task, err := store.AddTaskResult(taskID, true)
		assert.NoError(t, err)
		assert.Equal(t, 1, task.SuccessCount)
		task, err = store.AddTaskResult(taskID, false)
		assert.NoError(t, err)
		assert.Equal(t, 1, task.SuccessCount)
		assert.Equal(t, 1, task.FailedCount)
	})

	t.Run("ResetRecurringTask", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.RunningTaskStatus)
		_, err := store.AddTaskResult(taskID, true)
		assert.NoError(t, err)

		next := time.Now().Add(24 * time.Hour).Truncate(time.Second)
		assert.NoError(t, store.ResetRecurringTask(taskID, next))

		task, err := store.GetTask(taskID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Equal(t, 1, task.Run)
		assert.Equal(t, 0, task.SuccessCount)
		assert.Equal(t, 0, task.TotalDevices)
		assert.NotNil(t, task.ScheduledTime)
	})

	t.Run("SaveAndGetExecution", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.RunningTaskStatus)
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-a", Name: "rack-1", Active: true}))

		execID, err := store.SaveExecution(models.ExecutionRecord{
			TaskID:        taskID,
			TaskRun:       0,
			DeviceID:      "dev-a",
			ScriptID:      scriptID,
			InstructionID: "ins-1",
			Status:        models.PendingExecutionStatus,
			CreateTime:    time.Now(),
		})
		assert.NoError(t, err)

		rec, err := store.GetExecution(execID)
		assert.NoError(t, err)
		assert.Equal(t, "dev-a", rec.DeviceID)
		assert.Equal(t, models.PendingExecutionStatus, rec.Status)

		byIns, err := store.GetExecutionByInstruction("ins-1")
		assert.NoError(t, err)
		assert.Equal(t, execID, byIns.ID)

		_, err = store.GetExecutionByInstruction("ins-unknown")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ExecutionLifecycle", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.RunningTaskStatus)
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-a", Name: "rack-1", Active: true}))
		execID, err := store.SaveExecution(models.ExecutionRecord{
			TaskID: taskID, DeviceID: "dev-a", ScriptID: scriptID,
			InstructionID: "ins-1", Status: models.PendingExecutionStatus,
			CreateTime: time.Now(),
		})
		assert.NoError(t, err)

		applied, err := store.MarkExecutionRunning(execID, time.Now())
		assert.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.MarkExecutionRunning(execID, time.Now())
		assert.NoError(t, err)
		assert.False(t, applied, "only pending records start running")

		applied, err = store.CompleteExecution(execID, models.SuccessExecutionStatus, "", time.Now())
		assert.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.CompleteExecution(execID, models.FailedExecutionStatus, "late contradiction", time.Now())
		assert.NoError(t, err)
		assert.False(t, applied, "terminal records never transition again")

		rec, err := store.GetExecution(execID)
		assert.NoError(t, err)
		assert.Equal(t, models.SuccessExecutionStatus, rec.Status)
		assert.Empty(t, rec.ErrorMessage)
		assert.NotNil(t, rec.EndTime)
	})

	t.Run("CancelOpenExecutions", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.RunningTaskStatus)
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-a", Name: "rack-1", Active: true}))
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-b", Name: "rack-2", Active: true}))

		openID, err := store.SaveExecution(models.ExecutionRecord{
			TaskID: taskID, DeviceID: "dev-a", ScriptID: scriptID,
			InstructionID: "ins-1", Status: models.PendingExecutionStatus, CreateTime: time.Now(),
		})
		assert.NoError(t, err)
		doneID, err := store.SaveExecution(models.ExecutionRecord{
			TaskID: taskID, DeviceID: "dev-b", ScriptID: scriptID,
			InstructionID: "ins-2", Status: models.PendingExecutionStatus, CreateTime: time.Now(),
		})
		assert.NoError(t, err)
		applied, err := store.CompleteExecution(doneID, models.SuccessExecutionStatus, "", time.Now())
		assert.NoError(t, err)
		assert.True(t, applied)

		n, err := store.CancelOpenExecutions(taskID, 0, time.Now())
		assert.NoError(t, err)
		assert.Equal(t, int64(1), n)

		rec, err := store.GetExecution(openID)
		assert.NoError(t, err)
		assert.Equal(t, models.CancelledExecutionStatus, rec.Status)
		rec, err = store.GetExecution(doneID)
		assert.NoError(t, err)
		assert.Equal(t, models.SuccessExecutionStatus, rec.Status)
	})

	t.Run("ListExecutionsByTaskScopedToRun", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		taskID := seedTask(t, store, scriptID, models.RunningTaskStatus)
		assert.NoError(t, store.SaveDevice(models.Device{ID: "dev-a", Name: "rack-1", Active: true}))

		_, err := store.SaveExecution(models.ExecutionRecord{
			TaskID: taskID, TaskRun: 0, DeviceID: "dev-a", ScriptID: scriptID,
			InstructionID: "ins-1", Status: models.SuccessExecutionStatus, CreateTime: time.Now(),
		})
		assert.NoError(t, err)
		_, err = store.SaveExecution(models.ExecutionRecord{
			TaskID: taskID, TaskRun: 1, DeviceID: "dev-a", ScriptID: scriptID,
			InstructionID: "ins-2", Status: models.PendingExecutionStatus, CreateTime: time.Now(),
		})
		assert.NoError(t, err)

		records, err := store.ListExecutionsByTask(taskID, 1)
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, "ins-2", records[0].InstructionID)
	})

	t.Run("PurgeOldRows", func(t *testing.T) {
		store := newTxStore(t)
		scriptID := seedScript(t, store)
		ended := time.Now().Add(-60 * 24 * time.Hour)
		taskID, err := store.SaveTask(models.Task{
			Name: "ancient", ScriptID: scriptID, TaskType: models.ImmediateTaskType,
			Status: models.CompletedTaskStatus, TargetType: models.AllTargets,
			Priority: 1, EndTime: &ended, CreateTime: ended,
		})
		assert.NoError(t, err)

		n, err := store.PurgeTasksBefore(time.Now().Add(-30 * 24 * time.Hour))
		assert.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = store.GetTask(taskID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestAdvisoryLockManager(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	locks := internal_storage.NewAdvisoryLockManager(testDB.DB)
	ctx := context.Background()

	release, acquired, err := locks.TryLock(ctx, "task", 42)
	assert.NoError(t, err)
	assert.True(t, acquired)

	// Same key is held; a second session must not get it.
	_, again, err := locks.TryLock(ctx, "task", 42)
	assert.NoError(t, err)
	assert.False(t, again)

	// Different key is independent.
	otherRelease, acquired, err := locks.TryLock(ctx, "task", 43)
	assert.NoError(t, err)
	assert.True(t, acquired)
	otherRelease()

	release()

	release, acquired, err = locks.TryLock(ctx, "task", 42)
	assert.NoError(t, err)
	assert.True(t, acquired)
	release()
}
