package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Migration is one versioned schema step. The list is append-only: versions
// are never renumbered and a statement body is never rewritten once a
// version has shipped; a changed body under an existing version number does
// NOT re-apply to upgraded databases.
type Migration struct {
	Version int
	Label   string
	SQL     string
}

// migrations is the full, ordered schema history. Every statement is
// idempotent (CREATE IF NOT EXISTS / INSERT OR IGNORE) so a partially
// applied transaction can be retried safely.
var migrations = []Migration{
	{
		Version: 1,
		Label:   "memory graph",
		SQL: `
CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	entity_type TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	embedded_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id, id);
CREATE TABLE IF NOT EXISTS relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	to_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	relation_type TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_entity_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_entity_id);
CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
	name, category, content='entities', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS entities_fts_ai AFTER INSERT ON entities BEGIN
	INSERT INTO entities_fts(rowid, name, category) VALUES (new.id, new.name, new.category);
END;
CREATE TRIGGER IF NOT EXISTS entities_fts_ad AFTER DELETE ON entities BEGIN
	INSERT INTO entities_fts(entities_fts, rowid, name, category) VALUES ('delete', old.id, old.name, old.category);
END;
CREATE TRIGGER IF NOT EXISTS entities_fts_au AFTER UPDATE ON entities BEGIN
	INSERT INTO entities_fts(entities_fts, rowid, name, category) VALUES ('delete', old.id, old.name, old.category);
	INSERT INTO entities_fts(rowid, name, category) VALUES (new.id, new.name, new.category);
END;`,
	},
	{
		Version: 2,
		Label:   "workers and settings",
		SQL: `
CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	system_prompt TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	is_default INTEGER NOT NULL DEFAULT 0,
	task_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`,
	},
	{
		Version: 3,
		Label:   "tasks",
		SQL: `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	executor TEXT NOT NULL DEFAULT 'claude',
	status TEXT NOT NULL DEFAULT 'active',
	trigger_type TEXT NOT NULL DEFAULT 'manual',
	cron_expression TEXT,
	scheduled_at TEXT,
	trigger_config TEXT,
	last_run TEXT,
	last_result TEXT,
	error_count INTEGER NOT NULL DEFAULT 0,
	max_runs INTEGER,
	run_count INTEGER NOT NULL DEFAULT 0,
	memory_entity_id INTEGER REFERENCES entities(id) ON DELETE SET NULL,
	worker_id INTEGER REFERENCES workers(id) ON DELETE SET NULL,
	session_continuity INTEGER NOT NULL DEFAULT 0,
	session_id TEXT,
	timeout_minutes INTEGER,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_trigger ON tasks(trigger_type, status);`,
	},
	{
		Version: 4,
		Label:   "task runs",
		SQL: `
CREATE TABLE IF NOT EXISTS task_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	result TEXT NOT NULL DEFAULT '',
	result_file TEXT,
	error_message TEXT,
	duration_ms INTEGER,
	session_id TEXT,
	progress REAL,
	progress_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, id);
CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);`,
	},
	{
		Version: 5,
		Label:   "console logs",
		SQL: `
CREATE TABLE IF NOT EXISTS console_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES task_runs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	entry_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE(run_id, seq)
);`,
	},
	{
		Version: 6,
		Label:   "watches",
		SQL: `
CREATE TABLE IF NOT EXISTS watches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	action_prompt TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	last_triggered TEXT,
	trigger_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`,
	},
	{
		Version: 7,
		Label:   "embeddings",
		SQL: `
CREATE TABLE IF NOT EXISTS embeddings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	source_type TEXT NOT NULL,
	source_id INTEGER NOT NULL,
	text_hash TEXT NOT NULL,
	vector BLOB NOT NULL,
	model TEXT NOT NULL,
	dimensions INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(source_type, source_id, model)
);
CREATE INDEX IF NOT EXISTS idx_embeddings_entity ON embeddings(entity_id);`,
	},
}

// migrate brings the database to the latest schema version. A fresh database
// gets the whole history in one transaction; an existing one gets each
// pending migration in its own transaction so a failure leaves a recorded,
// resumable position.
func (s *Store) migrate() error {
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	if current == 0 {
		return s.applyAll()
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyOne(m); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.Version, m.Label, err)
		}
		slog.Info("schema migrated", "version", m.Version, "label", m.Label)
	}
	return nil
}

// SchemaVersion returns MAX(version) from schema_version, or 0 when the
// table does not exist yet (fresh database).
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) applyAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureVersionTable(tx); err != nil {
		return err
	}
	for _, m := range migrations {
		if err := execAll(tx, m.SQL); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.Version, m.Label, err)
		}
		if err := recordVersion(tx, m.Version); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("schema initialized", "version", migrations[len(migrations)-1].Version)
	return nil
}

func (s *Store) applyOne(m Migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureVersionTable(tx); err != nil {
		return err
	}
	if err := execAll(tx, m.SQL); err != nil {
		return err
	}
	if err := recordVersion(tx, m.Version); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	return err
}

func recordVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		version, Now())
	return err
}

// execAll runs a multi-statement migration body. Statements are separated by
// semicolons at line ends; trigger bodies keep their internal semicolons by
// splitting on "END;" boundaries first.
func execAll(tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.Exec(stmt); err != nil {
			head := stmt
			if len(head) > 60 {
				head = head[:60]
			}
			return fmt.Errorf("exec %q: %w", head, err)
		}
	}
	return nil
}

// splitStatements breaks a migration script into individual statements,
// keeping BEGIN...END trigger bodies intact.
func splitStatements(script string) []string {
	var stmts []string
	var cur strings.Builder
	inTrigger := false

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")

		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "CREATE TRIGGER") {
			inTrigger = true
		}
		if inTrigger {
			if upper == "END;" {
				stmts = append(stmts, cur.String())
				cur.Reset()
				inTrigger = false
			}
			continue
		}
		if strings.HasSuffix(trimmed, ";") {
			stmts = append(stmts, cur.String())
			cur.Reset()
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}

func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	return strings.Contains(err.Error(), "no such table")
}
