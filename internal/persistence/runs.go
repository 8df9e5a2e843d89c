package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, runID string, planFingerprint uint64, baseBranch string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, plan_fingerprint, base_branch)
		VALUES (?, ?, ?)
	`, runID, strconv.FormatUint(planFingerprint, 16), baseBranch)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// FinishRun stamps a run's outcome and finish time.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, outcome string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET outcome = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?
	`, outcome, runID)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// LatestRun returns the most recent run ID for a plan fingerprint, or ""
// when no run with that fingerprint exists.
func (s *SQLiteStore) LatestRun(ctx context.Context, planFingerprint uint64) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs
		WHERE plan_fingerprint = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, strconv.FormatUint(planFingerprint, 16)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest run: %w", err)
	}
	return id, nil
}
