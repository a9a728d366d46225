package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = `id, task_id, started_at, finished_at, status, result,
	result_file, error_message, duration_ms, session_id, progress, progress_message`

// CreateTaskRun inserts a run in the running state. The caller is expected
// to have checked the cross-process lock (LatestRunForTask) first; the
// read-then-insert race between two sidecar processes is tolerated by
// design and absorbed on completion, which is idempotent by run id.
func (s *Store) CreateTaskRun(taskID int64) (*TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO task_runs (task_id, started_at, status)
		VALUES (?, ?, ?)`, taskID, Now(), RunRunning)
	if err != nil {
		return nil, fmt.Errorf("create task run: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getRunLocked(id)
}

// CompleteTaskRun finalizes a run. With a non-nil errorMessage the run is
// failed, otherwise completed. The owning task's last_run, last_result and
// error_count (reset on success, incremented on failure) are updated in the
// same transaction.
func (s *Store) CompleteTaskRun(id int64, result string, resultFile, errorMessage *string) (*TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var taskID int64
	var startedAt string
	err = tx.QueryRow(`SELECT task_id, started_at FROM task_runs WHERE id = ?`, id).
		Scan(&taskID, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}

	finished := time.Now().UTC()
	durationMS := int64(0)
	if started, perr := ParseTime(startedAt); perr == nil {
		durationMS = finished.Sub(started).Milliseconds()
	}

	status := RunCompleted
	if errorMessage != nil {
		status = RunFailed
	}

	_, err = tx.Exec(`UPDATE task_runs SET finished_at = ?, status = ?, result = ?,
		result_file = ?, error_message = ?, duration_ms = ? WHERE id = ?`,
		FormatTime(finished), status, result, resultFile, errorMessage, durationMS, id)
	if err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}

	if status == RunCompleted {
		_, err = tx.Exec(`UPDATE tasks SET last_run = ?, last_result = ?, error_count = 0,
			updated_at = ? WHERE id = ?`, FormatTime(finished), result, Now(), taskID)
	} else {
		_, err = tx.Exec(`UPDATE tasks SET last_run = ?, last_result = ?,
			error_count = error_count + 1, updated_at = ? WHERE id = ?`,
			FormatTime(finished), result, Now(), taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("complete run: update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.getRunLocked(id)
}

// UpdateRunProgress stores a throttled progress snapshot for a running run.
// Progress nil means indeterminate.
func (s *Store) UpdateRunProgress(id int64, progress *float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE task_runs SET progress = ?, progress_message = ? WHERE id = ?`,
		progress, message, id)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

// SetRunSessionID persists the session token captured from the executor.
func (s *Store) SetRunSessionID(id int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE task_runs SET session_id = ? WHERE id = ?`, sessionID, id)
	if err != nil {
		return fmt.Errorf("set run session: %w", err)
	}
	return nil
}

// GetTaskRun returns a run by id, or ErrNotFound.
func (s *Store) GetTaskRun(id int64) (*TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRunLocked(id)
}

func (s *Store) getRunLocked(id int64) (*TaskRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id)
	return scanRun(row)
}

// LatestRunForTask returns the most recent run of a task, or ErrNotFound
// when the task has never run. Its status is the cross-process execution
// lock: a latest run still marked running means another process owns the
// task right now.
func (s *Store) LatestRunForTask(taskID int64) (*TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+runColumns+` FROM task_runs
		WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)
	return scanRun(row)
}

// ListRuns returns the newest runs across all tasks, up to limit.
func (s *Store) ListRuns(limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+runColumns+` FROM task_runs
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRunningRuns returns every run currently in the running state.
func (s *Store) ListRunningRuns() ([]TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+runColumns+` FROM task_runs
		WHERE status = ? ORDER BY id`, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// SweepOrphanRuns marks runs left in the running state with no finish time
// as failed. These are leftovers from a process that died mid-execution.
func (s *Store) SweepOrphanRuns() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rows, err := s.db.Query(`SELECT id, started_at FROM task_runs
		WHERE status = ? AND finished_at IS NULL`, RunRunning)
	if err != nil {
		return 0, fmt.Errorf("sweep orphans: %w", err)
	}

	type orphan struct {
		id        int64
		startedAt string
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.startedAt); err != nil {
			rows.Close()
			return 0, err
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, o := range orphans {
		durationMS := int64(0)
		if started, perr := ParseTime(o.startedAt); perr == nil {
			durationMS = now.Sub(started).Milliseconds()
		}
		_, err := s.db.Exec(`UPDATE task_runs SET status = ?, finished_at = ?,
			error_message = 'orphaned', duration_ms = ? WHERE id = ?`,
			RunFailed, FormatTime(now), durationMS, o.id)
		if err != nil {
			return 0, fmt.Errorf("sweep orphans: %w", err)
		}
	}
	return int64(len(orphans)), nil
}

// PruneOldRuns deletes finished runs older than the retention window; their
// console logs cascade.
func (s *Store) PruneOldRuns(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := FormatTime(time.Now().UTC().Add(-retention))
	res, err := s.db.Exec(`DELETE FROM task_runs
		WHERE status != ? AND started_at < ?`, RunRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectRuns(rows *sql.Rows) ([]TaskRun, error) {
	var runs []TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*TaskRun, error) {
	var r TaskRun
	var finishedAt, resultFile, errorMessage, sessionID, progressMessage sql.NullString
	var durationMS sql.NullInt64
	var progress sql.NullFloat64

	err := row.Scan(&r.ID, &r.TaskID, &r.StartedAt, &finishedAt, &r.Status,
		&r.Result, &resultFile, &errorMessage, &durationMS, &sessionID,
		&progress, &progressMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.FinishedAt = nullStr(finishedAt)
	r.ResultFile = nullStr(resultFile)
	r.ErrorMessage = nullStr(errorMessage)
	r.DurationMS = nullInt(durationMS)
	r.SessionID = nullStr(sessionID)
	r.Progress = nullFloat(progress)
	r.ProgressMessage = nullStr(progressMessage)
	return &r, nil
}
