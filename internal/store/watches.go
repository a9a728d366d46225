package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const watchColumns = `id, path, description, action_prompt, status,
	last_triggered, trigger_count, created_at, updated_at`

// WatchPatch holds optional fields for a partial watch update.
type WatchPatch struct {
	Path         *string
	Description  *string
	ActionPrompt *string
	Status       *string
}

// CreateWatch inserts a filesystem-change trigger. Path policy (home or
// /tmp, no sensitive suffixes) is enforced by the watcher component before
// anything reaches here; the store trusts its input.
func (s *Store) CreateWatch(path, description, actionPrompt string) (*Watch, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("watch path is required")
	}
	if strings.TrimSpace(actionPrompt) == "" {
		return nil, fmt.Errorf("watch action prompt is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := Now()
	res, err := s.db.Exec(`INSERT INTO watches (path, description, action_prompt, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, path, description, actionPrompt, WatchActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("create watch: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getWatchLocked(id)
}

// GetWatch returns a watch by id, or ErrNotFound.
func (s *Store) GetWatch(id int64) (*Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWatchLocked(id)
}

func (s *Store) getWatchLocked(id int64) (*Watch, error) {
	row := s.db.QueryRow(`SELECT `+watchColumns+` FROM watches WHERE id = ?`, id)
	return scanWatch(row)
}

// ListWatches returns watches, optionally filtered by status.
func (s *Store) ListWatches(status string) ([]Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + watchColumns + ` FROM watches`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	defer rows.Close()

	var watches []Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		watches = append(watches, *w)
	}
	return watches, rows.Err()
}

// UpdateWatch applies a partial update and bumps updated_at.
func (s *Store) UpdateWatch(id int64, patch WatchPatch) (*Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sets []string
	var args []any
	if patch.Path != nil {
		sets = append(sets, "path = ?")
		args = append(args, *patch.Path)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.ActionPrompt != nil {
		sets = append(sets, "action_prompt = ?")
		args = append(args, *patch.ActionPrompt)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if len(sets) == 0 {
		return s.getWatchLocked(id)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, Now(), id)

	res, err := s.db.Exec(`UPDATE watches SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update watch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.getWatchLocked(id)
}

// DeleteWatch removes a watch.
func (s *Store) DeleteWatch(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM watches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchWatch records a trigger: bumps trigger_count and last_triggered.
// Callers treat failures as best-effort.
func (s *Store) TouchWatch(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE watches SET trigger_count = trigger_count + 1,
		last_triggered = ?, updated_at = ? WHERE id = ?`, Now(), Now(), id)
	if err != nil {
		return fmt.Errorf("touch watch: %w", err)
	}
	return nil
}

func scanWatch(row rowScanner) (*Watch, error) {
	var w Watch
	var lastTriggered sql.NullString
	err := row.Scan(&w.ID, &w.Path, &w.Description, &w.ActionPrompt, &w.Status,
		&lastTriggered, &w.TriggerCount, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan watch: %w", err)
	}
	w.LastTriggered = nullStr(lastTriggered)
	return &w, nil
}
