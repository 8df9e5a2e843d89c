package persistence

import (
	"context"
	"fmt"
)

// SaveTask upserts a task row within a run. Idempotent via ON CONFLICT.
func (s *SQLiteStore) SaveTask(ctx context.Context, runID string, rec TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_tasks (run_id, task_id, title, wave, status, last_gate, failure_branch, merge_outcome, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			title = excluded.title,
			wave = excluded.wave,
			status = excluded.status,
			last_gate = excluded.last_gate,
			failure_branch = excluded.failure_branch,
			merge_outcome = excluded.merge_outcome,
			updated_at = CURRENT_TIMESTAMP
	`, runID, rec.TaskID, rec.Title, rec.Wave, rec.Status, rec.LastGate, rec.FailureBranch, rec.MergeOutcome)
	if err != nil {
		return fmt.Errorf("upserting task %d: %w", rec.TaskID, err)
	}
	return nil
}

// UpdateTaskStatus updates a task row's status fields.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, runID string, taskID int, status, lastGate, failureBranch, mergeOutcome string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_tasks
		SET status = ?, last_gate = ?, failure_branch = ?, merge_outcome = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ? AND task_id = ?
	`, status, lastGate, failureBranch, mergeOutcome, runID, taskID)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", taskID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %d not found in run %s", taskID, runID)
	}
	return nil
}

// ListTasks returns all task rows for a run ordered by wave then ID.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, title, wave, status,
		       COALESCE(last_gate, ''), COALESCE(failure_branch, ''), COALESCE(merge_outcome, ''),
		       updated_at
		FROM run_tasks
		WHERE run_id = ?
		ORDER BY wave, task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(&rec.TaskID, &rec.Title, &rec.Wave, &rec.Status,
			&rec.LastGate, &rec.FailureBranch, &rec.MergeOutcome, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return records, nil
}

// RecordAttempt appends one retry-loop iteration record.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, runID string, rec AttemptRecord) error {
	shifted := 0
	if rec.ShiftedStrategy {
		shifted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, task_id, iteration, gate, hash, shifted_strategy)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, rec.TaskID, rec.Iteration, rec.Gate, rec.Hash, shifted)
	if err != nil {
		return fmt.Errorf("inserting attempt for task %d: %w", rec.TaskID, err)
	}
	return nil
}

// ListAttempts returns the attempt log for a task within a run, in iteration
// order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, runID string, taskID int) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, iteration, gate, hash, shifted_strategy, created_at
		FROM attempts
		WHERE run_id = ? AND task_id = ?
		ORDER BY iteration
	`, runID, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var shifted int
		if err := rows.Scan(&rec.TaskID, &rec.Iteration, &rec.Gate, &rec.Hash, &shifted, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		rec.ShiftedStrategy = shifted != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempt rows: %w", err)
	}
	return records, nil
}
