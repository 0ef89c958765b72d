package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as unix nanoseconds; durations as milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		epic_id TEXT,
		parent_id TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		estimated_complexity INTEGER NOT NULL DEFAULT 1,
		actual_duration_ms INTEGER NOT NULL DEFAULT 0,
		current_phase TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		blocker_json TEXT,
		metadata_json TEXT,
		FOREIGN KEY (epic_id) REFERENCES tasks(id),
		FOREIGN KEY (parent_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_epic ON tasks(epic_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		dep_type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (task_id, depends_on_id, dep_type),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_type ON task_dependencies(task_id, dep_type);
	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id);

	CREATE TABLE IF NOT EXISTS task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		task_id TEXT,
		agent_id TEXT,
		payload_json TEXT,
		correlation_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_events_type_task ON task_events(event_type, task_id);
	CREATE INDEX IF NOT EXISTS idx_task_events_correlation ON task_events(correlation_id);

	CREATE TABLE IF NOT EXISTS quality_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		dimension TEXT NOT NULL,
		score REAL NOT NULL,
		details TEXT,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_quality_metrics_task ON quality_metrics(task_id);

	CREATE TABLE IF NOT EXISTS phase_leases (
		task_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		renewed_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, phase),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_phase_leases_expires ON phase_leases(expires_at);

	CREATE TABLE IF NOT EXISTS command_dedup (
		correlation_id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		result_json TEXT,
		created_at INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
