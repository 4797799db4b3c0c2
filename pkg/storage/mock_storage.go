package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/fleetware/scriptfleet/pkg/models"
)

// mockStore implements Store with in-memory state. It is safe for concurrent
// use so engine tests can drive result arrivals from multiple goroutines.
type mockStore struct {
	mu           sync.Mutex
	scripts      []models.Script
	devices      []models.Device
	groups       []models.DeviceGroup
	groupMembers map[int64][]string
	tasks        []models.Task
	executions   []models.ExecutionRecord
	nextScriptID int64
	nextGroupID  int64
	nextTaskID   int64
	nextExecID   int64
}

// NewMockStore returns an empty in-memory Store.
func NewMockStore() Store {
	return &mockStore{groupMembers: make(map[int64][]string)}
}

// Begin returns the store itself: mock transactions are not isolated.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveScript(s models.Script) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextScriptID++
	s.ID = m.nextScriptID
	if s.CreateTime.IsZero() {
		s.CreateTime = time.Now()
	}
	m.scripts = append(m.scripts, s)
	return s.ID, nil
}

func (m *mockStore) GetScript(id int64) (models.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scripts {
		if s.ID == id {
			return s, nil
		}
	}
	return models.Script{}, ErrNotFound
}

func (m *mockStore) ListScripts() ([]models.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Script, len(m.scripts))
	copy(out, m.scripts)
	return out, nil
}

func (m *mockStore) SaveDevice(d models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.devices {
		if existing.ID == d.ID {
			m.devices[i] = d
			return nil
		}
	}
	if d.CreateTime.IsZero() {
		d.CreateTime = time.Now()
	}
	m.devices = append(m.devices, d)
	return nil
}

func (m *mockStore) ListActiveDevices() ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Device
	for _, d := range m.devices {
		if d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) DeviceExists(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) SaveGroup(g models.DeviceGroup, memberIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGroupID++
	g.ID = m.nextGroupID
	m.groups = append(m.groups, g)
	m.groupMembers[g.ID] = append([]string(nil), memberIDs...)
	return g.ID, nil
}

func (m *mockStore) ListGroupMembers(groupID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.groupMembers[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), members...), nil
}

func (m *mockStore) SaveTask(t models.Task) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTaskID++
	t.ID = m.nextTaskID
	if t.CreateTime.IsZero() {
		t.CreateTime = time.Now()
	}
	m.tasks = append(m.tasks, t)
	return t.ID, nil
}

func (m *mockStore) GetTask(id int64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *mockStore) ListTasks() ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Task, len(m.tasks))
	copy(out, m.tasks)
	return out, nil
}

func (m *mockStore) scriptValid(id int64) bool {
	for _, s := range m.scripts {
		if s.ID == id {
			return s.Valid
		}
	}
	return false
}

func (m *mockStore) ListDueTasks(now time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Task
	for _, t := range m.tasks {
		if t.Status != models.PendingTaskStatus || !m.scriptValid(t.ScriptID) {
			continue
		}
		switch t.TaskType {
		case models.ImmediateTaskType:
			due = append(due, t)
		case models.ScheduledTaskType, models.RecurringTaskType:
			if t.ScheduledTime != nil && !t.ScheduledTime.After(now) {
				due = append(due, t)
			}
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].CreateTime.Before(due[j].CreateTime)
	})
	return due, nil
}

func (m *mockStore) ListExpiredScheduledTasks(cutoff time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []models.Task
	for _, t := range m.tasks {
		if t.Status == models.PendingTaskStatus && t.TaskType == models.ScheduledTaskType &&
			t.ScheduledTime != nil && t.ScheduledTime.Before(cutoff) {
			expired = append(expired, t)
		}
	}
	return expired, nil
}

func (m *mockStore) MarkTaskDispatched(id int64, totalDevices int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != id {
			continue
		}
		if t.Status != models.PendingTaskStatus {
			return false, nil
		}
		started := at
		m.tasks[i].Status = models.RunningTaskStatus
		m.tasks[i].TotalDevices = totalDevices
		m.tasks[i].StartTime = &started
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) FailTaskBeforeDispatch(id int64, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != id {
			continue
		}
		if t.Status != models.PendingTaskStatus {
			return false, nil
		}
		ended := at
		m.tasks[i].Status = models.FailedTaskStatus
		m.tasks[i].FailReason = reason
		m.tasks[i].EndTime = &ended
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) CompleteTaskRun(id int64, status models.TaskStatus, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != id {
			continue
		}
		if t.Status != models.RunningTaskStatus {
			return false, nil
		}
		ended := at
		m.tasks[i].Status = status
		m.tasks[i].FailReason = reason
		m.tasks[i].EndTime = &ended
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) CancelTask(id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != id {
			continue
		}
		if t.Status.Terminal() {
			return false, nil
		}
		ended := at
		m.tasks[i].Status = models.CancelledTaskStatus
		m.tasks[i].EndTime = &ended
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) ResetRecurringTask(id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != id {
			continue
		}
		due := next
		m.tasks[i].Status = models.PendingTaskStatus
		m.tasks[i].Run = t.Run + 1
		m.tasks[i].ScheduledTime = &due
		m.tasks[i].TotalDevices = 0
		m.tasks[i].SuccessCount = 0
		m.tasks[i].FailedCount = 0
		m.tasks[i].FailReason = ""
		m.tasks[i].StartTime = nil
		m.tasks[i].EndTime = nil
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) AddTaskResult(id int64, success bool) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != id {
			continue
		}
		if success {
			m.tasks[i].SuccessCount++
		} else {
			m.tasks[i].FailedCount++
		}
		return m.tasks[i], nil
	}
	return models.Task{}, ErrNotFound
}

func (m *mockStore) SaveExecution(e models.ExecutionRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextExecID++
	e.ID = m.nextExecID
	if e.CreateTime.IsZero() {
		e.CreateTime = time.Now()
	}
	m.executions = append(m.executions, e)
	return e.ID, nil
}

func (m *mockStore) GetExecution(id int64) (models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.ID == id {
			return e, nil
		}
	}
	return models.ExecutionRecord{}, ErrNotFound
}

func (m *mockStore) GetExecutionByInstruction(instructionID string) (models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.InstructionID == instructionID {
			return e, nil
		}
	}
	return models.ExecutionRecord{}, ErrNotFound
}

func (m *mockStore) ListExecutionsByTask(taskID int64, run int) ([]models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionRecord
	for _, e := range m.executions {
		if e.TaskID == taskID && e.TaskRun == run {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) ListOpenExecutions() ([]models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionRecord
	for _, e := range m.executions {
		if !e.Status.Terminal() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) MarkExecutionRunning(id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.executions {
		if e.ID != id {
			continue
		}
		if e.Status != models.PendingExecutionStatus {
			return false, nil
		}
		started := at
		m.executions[i].Status = models.RunningExecutionStatus
		m.executions[i].StartTime = &started
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) CompleteExecution(id int64, status models.ExecutionStatus, errorMsg string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.executions {
		if e.ID != id {
			continue
		}
		if e.Status.Terminal() {
			return false, nil
		}
		ended := at
		m.executions[i].Status = status
		m.executions[i].ErrorMessage = errorMsg
		m.executions[i].EndTime = &ended
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) CancelOpenExecutions(taskID int64, run int, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i, e := range m.executions {
		if e.TaskID == taskID && e.TaskRun == run && !e.Status.Terminal() {
			ended := at
			m.executions[i].Status = models.CancelledExecutionStatus
			m.executions[i].EndTime = &ended
			n++
		}
	}
	return n, nil
}

func (m *mockStore) PurgeTasksBefore(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.Task
	var n int64
	for _, t := range m.tasks {
		if t.Status.Terminal() && t.EndTime != nil && t.EndTime.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.tasks = kept
	return n, nil
}

func (m *mockStore) PurgeExecutionsBefore(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.ExecutionRecord
	var n int64
	for _, e := range m.executions {
		if e.Status.Terminal() && e.EndTime != nil && e.EndTime.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.executions = kept
	return n, nil
}
