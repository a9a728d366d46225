package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const workerColumns = `id, name, system_prompt, description, model,
	is_default, task_count, created_at, updated_at`

// WorkerPatch holds optional fields for a partial worker update.
type WorkerPatch struct {
	Name         *string
	SystemPrompt *string
	Description  *string
	Model        *string
}

// CreateWorker inserts a worker. Setting isDefault clears any previous
// default in the same transaction, so at most one worker is the default.
func (s *Store) CreateWorker(name, systemPrompt, description, model string, isDefault bool) (*Worker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("worker name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if isDefault {
		if _, err := tx.Exec(`UPDATE workers SET is_default = 0 WHERE is_default = 1`); err != nil {
			return nil, fmt.Errorf("create worker: clear default: %w", err)
		}
	}

	now := Now()
	res, err := tx.Exec(`INSERT INTO workers (name, system_prompt, description, model, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, systemPrompt, description, model, boolToInt(isDefault), now, now)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	id, _ := res.LastInsertId()
	return s.getWorkerLocked(id)
}

// GetWorker returns a worker by id, or ErrNotFound.
func (s *Store) GetWorker(id int64) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWorkerLocked(id)
}

func (s *Store) getWorkerLocked(id int64) (*Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// GetDefaultWorker returns the default worker, or ErrNotFound when none is
// set.
func (s *Store) GetDefaultWorker() (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT ` + workerColumns + ` FROM workers WHERE is_default = 1 LIMIT 1`)
	return scanWorker(row)
}

// ListWorkers returns all workers ordered by name.
func (s *Store) ListWorkers() ([]Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// UpdateWorker applies a partial update and bumps updated_at.
func (s *Store) UpdateWorker(id int64, patch WorkerPatch) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sets []string
	var args []any
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.SystemPrompt != nil {
		sets = append(sets, "system_prompt = ?")
		args = append(args, *patch.SystemPrompt)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *patch.Model)
	}
	if len(sets) == 0 {
		return s.getWorkerLocked(id)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, Now(), id)

	res, err := s.db.Exec(`UPDATE workers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.getWorkerLocked(id)
}

// SetDefaultWorker makes the given worker the single default.
func (s *Store) SetDefaultWorker(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE workers SET is_default = 0 WHERE is_default = 1`); err != nil {
		return fmt.Errorf("set default worker: %w", err)
	}
	res, err := tx.Exec(`UPDATE workers SET is_default = 1, updated_at = ? WHERE id = ?`, Now(), id)
	if err != nil {
		return fmt.Errorf("set default worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DeleteWorker removes a worker; tasks referencing it fall back to null
// (SET NULL foreign key).
func (s *Store) DeleteWorker(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// refreshWorkerTaskCountsLocked recomputes task_count for every worker.
// Called after task create/update/delete with the write lock held.
func (s *Store) refreshWorkerTaskCountsLocked() {
	_, err := s.db.Exec(`UPDATE workers SET task_count =
		(SELECT COUNT(*) FROM tasks WHERE tasks.worker_id = workers.id)`)
	if err != nil {
		// Count drift is cosmetic; the next task mutation repairs it.
		return
	}
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	var isDefault int
	err := row.Scan(&w.ID, &w.Name, &w.SystemPrompt, &w.Description, &w.Model,
		&isDefault, &w.TaskCount, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.IsDefault = isDefault != 0
	return &w, nil
}
