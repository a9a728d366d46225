package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

const taskColumns = `id, name, description, prompt, executor, status, trigger_type,
	cron_expression, scheduled_at, trigger_config, last_run, last_result,
	error_count, max_runs, run_count, memory_entity_id, worker_id,
	session_continuity, session_id, timeout_minutes, created_at, updated_at`

// TaskParams are the caller-supplied fields for a new task.
type TaskParams struct {
	Name              string
	Description       string
	Prompt            string
	Executor          string
	TriggerType       string
	CronExpression    *string
	ScheduledAt       *string
	TriggerConfig     *string
	MaxRuns           *int
	WorkerID          *int64
	SessionContinuity bool
	TimeoutMinutes    *int
}

// TaskPatch holds optional fields for a partial task update. Nil fields are
// left untouched.
type TaskPatch struct {
	Name              *string
	Description       *string
	Prompt            *string
	Executor          *string
	Status            *string
	TriggerType       *string
	CronExpression    *string
	ScheduledAt       *string
	TriggerConfig     *string
	MaxRuns           *int
	WorkerID          *int64
	SessionContinuity *bool
	TimeoutMinutes    *int
}

// CreateTask inserts a new task after checking the trigger invariants:
// cron requires a cron expression, once requires a scheduled time, manual
// requires neither.
func (s *Store) CreateTask(p TaskParams) (*Task, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, fmt.Errorf("task prompt is required")
	}
	if p.Executor == "" {
		p.Executor = "claude"
	}
	switch p.TriggerType {
	case TriggerCron:
		if p.CronExpression == nil || *p.CronExpression == "" {
			return nil, fmt.Errorf("cron task requires cron_expression")
		}
		p.ScheduledAt = nil
	case TriggerOnce:
		if p.ScheduledAt == nil || *p.ScheduledAt == "" {
			return nil, fmt.Errorf("once task requires scheduled_at")
		}
		p.CronExpression = nil
	case TriggerManual, "":
		p.TriggerType = TriggerManual
		p.CronExpression = nil
		p.ScheduledAt = nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", p.TriggerType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := Now()
	res, err := s.db.Exec(`INSERT INTO tasks
		(name, description, prompt, executor, status, trigger_type,
		 cron_expression, scheduled_at, trigger_config, max_runs, worker_id,
		 session_continuity, timeout_minutes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.Prompt, p.Executor, TaskActive, p.TriggerType,
		p.CronExpression, p.ScheduledAt, p.TriggerConfig, p.MaxRuns, p.WorkerID,
		boolToInt(p.SessionContinuity), p.TimeoutMinutes, now, now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, _ := res.LastInsertId()
	s.refreshWorkerTaskCountsLocked()
	return s.getTaskLocked(id)
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id int64) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(status string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTask applies a partial update and bumps updated_at.
func (s *Store) UpdateTask(id int64, patch TaskPatch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sets []string
	var args []any
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Prompt != nil {
		add("prompt", *patch.Prompt)
	}
	if patch.Executor != nil {
		add("executor", *patch.Executor)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.TriggerType != nil {
		add("trigger_type", *patch.TriggerType)
	}
	if patch.CronExpression != nil {
		add("cron_expression", *patch.CronExpression)
	}
	if patch.ScheduledAt != nil {
		add("scheduled_at", *patch.ScheduledAt)
	}
	if patch.TriggerConfig != nil {
		add("trigger_config", *patch.TriggerConfig)
	}
	if patch.MaxRuns != nil {
		add("max_runs", *patch.MaxRuns)
	}
	if patch.WorkerID != nil {
		add("worker_id", *patch.WorkerID)
	}
	if patch.SessionContinuity != nil {
		add("session_continuity", boolToInt(*patch.SessionContinuity))
	}
	if patch.TimeoutMinutes != nil {
		add("timeout_minutes", *patch.TimeoutMinutes)
	}
	if len(sets) == 0 {
		return s.getTaskLocked(id)
	}
	add("updated_at", Now())
	args = append(args, id)

	res, err := s.db.Exec(`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if patch.WorkerID != nil {
		s.refreshWorkerTaskCountsLocked()
	}
	return s.getTaskLocked(id)
}

// DeleteTask removes a task; its runs and console logs cascade.
func (s *Store) DeleteTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.refreshWorkerTaskCountsLocked()
	return nil
}

// PauseTask suppresses all future triggering of a task.
func (s *Store) PauseTask(id int64) error {
	return s.SetTaskStatus(id, TaskPaused)
}

// ResumeTask reactivates a paused task.
func (s *Store) ResumeTask(id int64) error {
	return s.SetTaskStatus(id, TaskActive)
}

// SetTaskStatus updates only the status column.
func (s *Store) SetTaskStatus(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, Now(), id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskSessionID stores (or clears, with nil) the task's session token.
func (s *Store) SetTaskSessionID(id int64, sessionID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE tasks SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, Now(), id)
	if err != nil {
		return fmt.Errorf("set task session: %w", err)
	}
	return nil
}

// SetTaskMemoryEntity links a lazily created memory entity to the task.
func (s *Store) SetTaskMemoryEntity(id, entityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE tasks SET memory_entity_id = ?, updated_at = ? WHERE id = ?`,
		entityID, Now(), id)
	if err != nil {
		return fmt.Errorf("set task memory entity: %w", err)
	}
	return nil
}

// DueOnceTasks returns active one-shot tasks whose scheduled time has
// passed.
func (s *Store) DueOnceTasks(now string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks
		WHERE trigger_type = ? AND status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at`, TriggerOnce, TaskActive, now)
	if err != nil {
		return nil, fmt.Errorf("due once tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// IncrementTaskRunCount bumps run_count after a successful run and, when
// max_runs is reached, transitions the task to completed. Returns the
// updated task.
func (s *Store) IncrementTaskRunCount(id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var runCount int
	var maxRuns sql.NullInt64
	err = tx.QueryRow(`SELECT run_count, max_runs FROM tasks WHERE id = ?`, id).
		Scan(&runCount, &maxRuns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("increment run count: %w", err)
	}

	runCount++
	status := ""
	if maxRuns.Valid && int64(runCount) >= maxRuns.Int64 {
		status = TaskCompleted
	}

	if status != "" {
		_, err = tx.Exec(`UPDATE tasks SET run_count = ?, status = ?, updated_at = ? WHERE id = ?`,
			runCount, status, Now(), id)
	} else {
		_, err = tx.Exec(`UPDATE tasks SET run_count = ?, updated_at = ? WHERE id = ?`,
			runCount, Now(), id)
	}
	if err != nil {
		return nil, fmt.Errorf("increment run count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.getTaskLocked(id)
}

// CountRunsWithSession counts prior runs of a task carrying the given
// session token. Used for session rotation.
func (s *Store) CountRunsWithSession(taskID int64, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM task_runs WHERE task_id = ? AND session_id = ?`,
		taskID, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session runs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var cronExpr, scheduledAt, triggerConfig, lastRun, lastResult, sessionID sql.NullString
	var maxRuns, memoryEntityID, workerID, timeoutMinutes sql.NullInt64
	var sessionContinuity int

	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Prompt, &t.Executor,
		&t.Status, &t.TriggerType, &cronExpr, &scheduledAt, &triggerConfig,
		&lastRun, &lastResult, &t.ErrorCount, &maxRuns, &t.RunCount,
		&memoryEntityID, &workerID, &sessionContinuity, &sessionID,
		&timeoutMinutes, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.CronExpression = nullStr(cronExpr)
	t.ScheduledAt = nullStr(scheduledAt)
	t.TriggerConfig = nullStr(triggerConfig)
	t.LastRun = nullStr(lastRun)
	t.LastResult = nullStr(lastResult)
	t.MaxRuns = nullIntAsInt(maxRuns)
	t.MemoryEntityID = nullInt(memoryEntityID)
	t.WorkerID = nullInt(workerID)
	t.SessionContinuity = sessionContinuity != 0
	t.SessionID = nullStr(sessionID)
	t.TimeoutMinutes = nullIntAsInt(timeoutMinutes)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
