package store

import "fmt"

// AppendConsoleLogs bulk-inserts parsed executor events for a run inside one
// transaction. Seq values are assigned by the caller and must be strictly
// increasing per run; the (run_id, seq) unique index enforces it.
func (s *Store) AppendConsoleLogs(runID int64, entries []ConsoleLog) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO console_logs (run_id, seq, entry_type, content, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("append console logs: %w", err)
	}
	defer stmt.Close()

	now := Now()
	for _, e := range entries {
		created := e.CreatedAt
		if created == "" {
			created = now
		}
		if _, err := stmt.Exec(runID, e.Seq, e.EntryType, e.Content, created); err != nil {
			return fmt.Errorf("append console logs: seq %d: %w", e.Seq, err)
		}
	}
	return tx.Commit()
}

// ListConsoleLogs returns a run's events with seq > afterSeq, in order, up
// to limit (0 = no limit). Suits incremental polling by the shell UI.
func (s *Store) ListConsoleLogs(runID int64, afterSeq, limit int) ([]ConsoleLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, run_id, seq, entry_type, content, created_at
		FROM console_logs WHERE run_id = ? AND seq > ? ORDER BY seq`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list console logs: %w", err)
	}
	defer rows.Close()

	var logs []ConsoleLog
	for rows.Next() {
		var l ConsoleLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.EntryType, &l.Content, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan console log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
