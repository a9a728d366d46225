package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Setting keys the sidecar reads at runtime.
const (
	SettingRetentionDays        = "task_run_retention_days"
	SettingNotificationsEnabled = "notifications_enabled"
	SettingDefaultNudgeMode     = "default_nudge_mode"
	SettingQuietHoursFrom       = "quiet_hours_from"
	SettingQuietHoursUntil      = "quiet_hours_until"
)

// GetSetting returns the value for key, or fallback when unset.
func (s *Store) GetSetting(key, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return fallback
	}
	return value
}

// GetSettingInt returns the integer value for key, or fallback when unset
// or unparsable.
func (s *Store) GetSettingInt(key string, fallback int) int {
	raw := s.GetSetting(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// GetSettingBool returns the boolean value for key, or fallback when unset
// or unparsable.
func (s *Store) GetSettingBool(key string, fallback bool) bool {
	raw := s.GetSetting(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

// SetSetting upserts a key/value pair.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
