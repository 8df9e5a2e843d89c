package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		plan_fingerprint TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		outcome TEXT,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(plan_fingerprint, started_at);

	CREATE TABLE IF NOT EXISTS run_tasks (
		run_id TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		wave INTEGER NOT NULL,
		status TEXT NOT NULL,
		last_gate TEXT,
		failure_branch TEXT,
		merge_outcome TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		iteration INTEGER NOT NULL,
		gate TEXT NOT NULL,
		hash TEXT NOT NULL,
		shifted_strategy INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_run_task ON attempts(run_id, task_id, iteration);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
