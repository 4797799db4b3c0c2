package http_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	internal_http "github.com/fleetware/scriptfleet/internal/http"
	"github.com/fleetware/scriptfleet/internal/log"
	"github.com/fleetware/scriptfleet/pkg/delivery"
	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/scheduler"
	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   storage.Store
	tracker *scheduler.Tracker
	svc     *scheduler.TaskService
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	store := storage.NewMockStore()
	logger := log.GetLogger()
	broker := delivery.NewBroker()
	evaluator := scheduler.NewEvaluator(store, scheduler.DefaultExpirationGrace, scheduler.DefaultGlobalRetryCap)
	tracker := scheduler.NewTracker(store, broker, evaluator, logger)
	locks := scheduler.NewMemoryLockManager()
	canceller := scheduler.NewCanceller(store, locks, logger)
	svc := scheduler.NewTaskService(store, canceller, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", internal_http.HealthHandler)
	mux.HandleFunc("/tasks", internal_http.TasksHandler(svc))
	mux.HandleFunc("/tasks/cancel", internal_http.CancelHandler(svc))
	mux.HandleFunc("/results", internal_http.ResultsHandler(tracker))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{store: store, tracker: tracker, svc: svc, srv: srv}
}

func (f *fixture) seedScript(t *testing.T) int64 {
	id, err := f.store.SaveScript(models.Script{
		Name: "disk-cleanup", Content: "#!/bin/sh\nexit 0\n",
		Valid: true, Priority: 1, TimeoutSeconds: 300,
	})
	require.NoError(t, err)
	return id
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.srv.Client().Get(f.srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "ScriptFleet server is running", string(body))
	})

	t.Run("CreateTask", func(t *testing.T) {
		f := newFixture(t)
		scriptID := f.seedScript(t)

		resp, err := f.srv.Client().PostForm(f.srv.URL+"/tasks", url.Values{
			"name":        {"patch-all"},
			"script_id":   {intToStr(scriptID)},
			"task_type":   {"IMMEDIATE"},
			"target_type": {"ALL"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "Created task 'patch-all' with ID 1")

		task, err := f.store.GetTask(1)
		require.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
	})

	t.Run("CreateTaskMissingName", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.srv.Client().PostForm(f.srv.URL+"/tasks", url.Values{
			"script_id": {"1"}, "task_type": {"IMMEDIATE"}, "target_type": {"ALL"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("CreateTaskSpecificDevices", func(t *testing.T) {
		f := newFixture(t)
		scriptID := f.seedScript(t)

		resp, err := f.srv.Client().PostForm(f.srv.URL+"/tasks", url.Values{
			"name":          {"targeted"},
			"script_id":     {intToStr(scriptID)},
			"task_type":     {"IMMEDIATE"},
			"target_type":   {"SPECIFIC"},
			"target_device": {"dev-a", "dev-b"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		task, err := f.store.GetTask(1)
		require.NoError(t, err)
		assert.Equal(t, models.StringList{"dev-a", "dev-b"}, task.TargetDevices)
	})

	t.Run("ListTasks", func(t *testing.T) {
		f := newFixture(t)
		scriptID := f.seedScript(t)
		_, err := f.svc.CreateTask(models.Task{
			Name: "patch-all", ScriptID: scriptID,
			TaskType: models.ImmediateTaskType, TargetType: models.AllTargets,
		})
		require.NoError(t, err)

		resp, err := f.srv.Client().Get(f.srv.URL + "/tasks")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "Name: patch-all")
		assert.Contains(t, string(body), "Status: PENDING")
	})

	t.Run("CancelTask", func(t *testing.T) {
		f := newFixture(t)
		scriptID := f.seedScript(t)
		id, err := f.svc.CreateTask(models.Task{
			Name: "doomed", ScriptID: scriptID,
			TaskType: models.ImmediateTaskType, TargetType: models.AllTargets,
		})
		require.NoError(t, err)

		resp, err := f.srv.Client().PostForm(f.srv.URL+"/tasks/cancel", url.Values{
			"id": {intToStr(id)},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		task, err := f.store.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, models.CancelledTaskStatus, task.Status)
	})

	t.Run("ResultsWebhook", func(t *testing.T) {
		f := newFixture(t)
		scriptID := f.seedScript(t)
		taskID, err := f.store.SaveTask(models.Task{
			Name: "running", ScriptID: scriptID,
			TaskType: models.ImmediateTaskType, Status: models.RunningTaskStatus,
			TargetType: models.AllTargets, TotalDevices: 1,
		})
		require.NoError(t, err)
		_, err = f.store.SaveExecution(models.ExecutionRecord{
			TaskID: taskID, DeviceID: "dev-a", ScriptID: scriptID,
			InstructionID: "ins-1", Status: models.RunningExecutionStatus,
		})
		require.NoError(t, err)

		resp, err := f.srv.Client().PostForm(f.srv.URL+"/results", url.Values{
			"instruction_id": {"ins-1"},
			"device_id":      {"dev-a"},
			"outcome":        {"SUCCESS"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		task, err := f.store.GetTask(taskID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
	})

	t.Run("ResultsWebhookMissingInstruction", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.srv.Client().PostForm(f.srv.URL+"/results", url.Values{
			"outcome": {"SUCCESS"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		f := newFixture(t)
		req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/tasks", strings.NewReader(""))
		require.NoError(t, err)
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func intToStr(v int64) string {
	return strconv.FormatInt(v, 10)
}
