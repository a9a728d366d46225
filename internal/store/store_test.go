package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string    { return &s }
func intPtr(n int) *int          { return &n }
func int64Ptr(n int64) *int64    { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestMigrateFresh(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	want := migrations[len(migrations)-1].Version
	if v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}
}

func TestMigrateReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s.CreateEntity("keeper", "note", "general"); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetEntityByName("keeper"); err != nil {
		t.Errorf("entity lost across reopen: %v", err)
	}
	v, _ := s2.SchemaVersion()
	if want := migrations[len(migrations)-1].Version; v != want {
		t.Errorf("schema version after reopen = %d, want %d", v, want)
	}
}

func TestSplitStatementsKeepsTriggers(t *testing.T) {
	script := `
CREATE TABLE IF NOT EXISTS t (id INTEGER);
CREATE TRIGGER IF NOT EXISTS trg AFTER INSERT ON t BEGIN
	INSERT INTO t(id) VALUES (new.id);
	DELETE FROM t WHERE id = 0;
END;
CREATE INDEX IF NOT EXISTS idx ON t(id);`

	stmts := splitStatements(script)
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3: %q", len(stmts), stmts)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	encoded := FormatTime(now)
	if encoded != "2026-03-14T09:26:53.589Z" {
		t.Errorf("FormatTime = %q", encoded)
	}
	parsed, err := ParseTime(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("round trip: got %v, want %v", parsed, now)
	}

	// Rows written by older tooling carry plain RFC3339.
	if _, err := ParseTime("2026-03-14T09:26:53Z"); err != nil {
		t.Errorf("RFC3339 fallback: %v", err)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)

	if got := s.GetSetting(SettingDefaultNudgeMode, "always"); got != "always" {
		t.Errorf("unset setting = %q, want fallback", got)
	}
	if err := s.SetSetting(SettingDefaultNudgeMode, "important"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := s.GetSetting(SettingDefaultNudgeMode, "always"); got != "important" {
		t.Errorf("setting = %q, want important", got)
	}

	if err := s.SetSetting(SettingRetentionDays, "7"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if got := s.GetSettingInt(SettingRetentionDays, 30); got != 7 {
		t.Errorf("int setting = %d, want 7", got)
	}
	if got := s.GetSettingInt("missing", 30); got != 30 {
		t.Errorf("missing int setting = %d, want fallback 30", got)
	}

	if err := s.SetSetting(SettingNotificationsEnabled, "garbage"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if got := s.GetSettingBool(SettingNotificationsEnabled, true); got != true {
		t.Errorf("unparsable bool should use fallback")
	}
	if err := s.SetSetting(SettingNotificationsEnabled, "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if got := s.GetSettingBool(SettingNotificationsEnabled, true); got != false {
		t.Errorf("bool setting should be false")
	}
}
