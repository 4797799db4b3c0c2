package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying pool for components needing dedicated
// connections, such as the advisory lock manager.
func (s *PostgresStore) DB() *sqlx.DB {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db
	}
	return nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *PostgresStore) SaveScript(sc models.Script) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO scripts (name, content, checksum, valid, priority, timeout_seconds, max_retries, create_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		sc.Name, sc.Content, sc.Checksum, sc.Valid, sc.Priority, sc.TimeoutSeconds, sc.MaxRetries, sc.CreateTime).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save script: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetScript(id int64) (models.Script, error) {
	var sc models.Script
	err := s.db.Get(&sc, "SELECT * FROM scripts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Script{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Script{}, err
	}
	return sc, nil
}

func (s *PostgresStore) ListScripts() ([]models.Script, error) {
	scripts := []models.Script{}
	err := s.db.Select(&scripts, "SELECT * FROM scripts ORDER BY create_time DESC")
	if err != nil {
		return nil, err
	}
	return scripts, nil
}

func (s *PostgresStore) SaveDevice(d models.Device) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (id, name, active, create_time) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, active = $3`,
		d.ID, d.Name, d.Active, d.CreateTime)
	return err
}

func (s *PostgresStore) ListActiveDevices() ([]models.Device, error) {
	devices := []models.Device{}
	err := s.db.Select(&devices, "SELECT * FROM devices WHERE active ORDER BY id")
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *PostgresStore) DeviceExists(id string) (bool, error) {
	var exists bool
	err := s.db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1)", id)
	return exists, err
}

func (s *PostgresStore) SaveGroup(g models.DeviceGroup, memberIDs []string) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		"INSERT INTO device_groups (name, create_time) VALUES ($1, $2) RETURNING id",
		g.Name, g.CreateTime).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save group: %w", err)
	}
	for pos, deviceID := range memberIDs {
		if _, err := s.db.Exec(
			"INSERT INTO device_group_members (group_id, device_id, position) VALUES ($1, $2, $3)",
			id, deviceID, pos); err != nil {
			return 0, fmt.Errorf("save group member %s: %w", deviceID, err)
		}
	}
	return id, nil
}

func (s *PostgresStore) ListGroupMembers(groupID int64) ([]string, error) {
	var exists bool
	if err := s.db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM device_groups WHERE id = $1)", groupID); err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.ErrNotFound
	}
	members := []string{}
	err := s.db.Select(&members,
		"SELECT device_id FROM device_group_members WHERE group_id = $1 ORDER BY position", groupID)
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *PostgresStore) SaveTask(t models.Task) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO tasks (name, script_id, task_type, status, target_type, target_group_id, target_devices,
			scheduled_time, cron_expr, priority, run, retry_count, max_retries,
			total_devices, success_devices, failed_devices, fail_reason, start_time, end_time, create_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id`,
		t.Name, t.ScriptID, t.TaskType, t.Status, t.TargetType, t.TargetGroupID, t.TargetDevices,
		t.ScheduledTime, t.CronExpr, t.Priority, t.Run, t.RetryCount, t.MaxRetries,
		t.TotalDevices, t.SuccessCount, t.FailedCount, t.FailReason, t.StartTime, t.EndTime, t.CreateTime).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save task: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetTask(id int64) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks() ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, "SELECT * FROM tasks ORDER BY create_time DESC")
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) ListDueTasks(now time.Time) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, `
		SELECT t.* FROM tasks t
		JOIN scripts sc ON sc.id = t.script_id
		WHERE t.status = 'PENDING' AND sc.valid
		  AND (t.task_type = 'IMMEDIATE' OR t.scheduled_time <= $1)
		ORDER BY t.priority DESC, t.create_time ASC`, now)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) ListExpiredScheduledTasks(cutoff time.Time) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status = 'PENDING' AND task_type = 'SCHEDULED' AND scheduled_time < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) MarkTaskDispatched(id int64, totalDevices int, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'RUNNING', total_devices = $2, start_time = $3
		WHERE id = $1 AND status = 'PENDING'`, id, totalDevices, at)
	if err != nil {
		return false, err
	}
	return applied(res)
}

func (s *PostgresStore) FailTaskBeforeDispatch(id int64, reason string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'FAILED', fail_reason = $2, end_time = $3
		WHERE id = $1 AND status = 'PENDING'`, id, reason, at)
	if err != nil {
		return false, err
	}
	return applied(res)
}

func (s *PostgresStore) CompleteTaskRun(id int64, status models.TaskStatus, reason string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = $2, fail_reason = $3, end_time = $4
		WHERE id = $1 AND status = 'RUNNING'`, id, status, reason, at)
	if err != nil {
		return false, err
	}
	return applied(res)
}

func (s *PostgresStore) CancelTask(id int64, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'CANCELLED', end_time = $2
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`, id, at)
	if err != nil {
		return false, err
	}
	return applied(res)
}

func (s *PostgresStore) ResetRecurringTask(id int64, next time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = 'PENDING', run = run + 1, scheduled_time = $2,
			total_devices = 0, success_devices = 0, failed_devices = 0,
			fail_reason = '', start_time = NULL, end_time = NULL
		WHERE id = $1`, id, next)
	return err
}

func (s *PostgresStore) AddTaskResult(id int64, success bool) (models.Task, error) {
	var t models.Task
	var query string
	if success {
		query = "UPDATE tasks SET success_devices = success_devices + 1 WHERE id = $1 RETURNING *"
	} else {
		query = "UPDATE tasks SET failed_devices = failed_devices + 1 WHERE id = $1 RETURNING *"
	}
	err := s.db.QueryRowx(query, id).StructScan(&t)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) SaveExecution(e models.ExecutionRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO script_executions (task_id, task_run, device_id, script_id, instruction_id,
			status, retry_count, error_message, start_time, end_time, create_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		e.TaskID, e.TaskRun, e.DeviceID, e.ScriptID, e.InstructionID,
		e.Status, e.RetryCount, e.ErrorMessage, e.StartTime, e.EndTime, e.CreateTime).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save execution: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetExecution(id int64) (models.ExecutionRecord, error) {
	var e models.ExecutionRecord
	err := s.db.Get(&e, "SELECT * FROM script_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.ExecutionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	return e, nil
}

func (s *PostgresStore) GetExecutionByInstruction(instructionID string) (models.ExecutionRecord, error) {
	var e models.ExecutionRecord
	err := s.db.Get(&e, "SELECT * FROM script_executions WHERE instruction_id = $1", instructionID)
	if err == sql.ErrNoRows {
		return models.ExecutionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	return e, nil
}

func (s *PostgresStore) ListExecutionsByTask(taskID int64, run int) ([]models.ExecutionRecord, error) {
	execs := []models.ExecutionRecord{}
	err := s.db.Select(&execs,
		"SELECT * FROM script_executions WHERE task_id = $1 AND task_run = $2 ORDER BY id", taskID, run)
	if err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *PostgresStore) ListOpenExecutions() ([]models.ExecutionRecord, error) {
	execs := []models.ExecutionRecord{}
	err := s.db.Select(&execs,
		"SELECT * FROM script_executions WHERE status IN ('PENDING', 'RUNNING') ORDER BY id")
	if err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *PostgresStore) MarkExecutionRunning(id int64, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE script_executions SET status = 'RUNNING', start_time = $2
		WHERE id = $1 AND status = 'PENDING'`, id, at)
	if err != nil {
		return false, err
	}
	return applied(res)
}

func (s *PostgresStore) CompleteExecution(id int64, status models.ExecutionStatus, errorMsg string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE script_executions SET status = $2, error_message = $3, end_time = $4
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`, id, status, errorMsg, at)
	if err != nil {
		return false, err
	}
	return applied(res)
}

func (s *PostgresStore) CancelOpenExecutions(taskID int64, run int, at time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE script_executions SET status = 'CANCELLED', end_time = $3
		WHERE task_id = $1 AND task_run = $2 AND status IN ('PENDING', 'RUNNING')`, taskID, run, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PurgeTasksBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM tasks
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND end_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PurgeExecutionsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM script_executions
		WHERE status IN ('SUCCESS', 'FAILED', 'CANCELLED') AND end_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
