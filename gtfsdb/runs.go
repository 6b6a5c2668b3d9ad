package gtfsdb

import (
	"context"
	"database/sql"
	"fmt"
)

// ImportRun is one durable execution of the import workflow.
type ImportRun struct {
	ID             string
	FeedSourceName string
	Status         string
	Error          sql.NullString
	CreatedAt      int64
	UpdatedAt      int64
}

// CreateImportRun records a new run. Creating an id that already exists
// is an error; resumption goes through GetImportRun instead.
func (c *Client) CreateImportRun(ctx context.Context, id, feedSourceName, status string, now int64) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO import_runs (id, feed_source_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, feedSourceName, status, now, now)
	if err != nil {
		return fmt.Errorf("error creating import run %s: %w", id, err)
	}
	return nil
}

// GetImportRun returns the run row, or sql.ErrNoRows.
func (c *Client) GetImportRun(ctx context.Context, id string) (ImportRun, error) {
	var r ImportRun
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, feed_source_name, status, error, created_at, updated_at
		FROM import_runs WHERE id = ?
	`, id).Scan(&r.ID, &r.FeedSourceName, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// UpdateImportRunStatus moves the run to a new state, optionally
// recording a terminal error message.
func (c *Client) UpdateImportRunStatus(ctx context.Context, id, status string, runErr sql.NullString, now int64) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE import_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, runErr, now, id)
	return err
}

// GetStepResult returns the memoized result of a completed step. The
// second return reports whether the step has completed at all.
func (c *Client) GetStepResult(ctx context.Context, runID, stepName string) ([]byte, bool, error) {
	var result []byte
	err := c.DB.QueryRowContext(ctx,
		`SELECT result FROM import_steps WHERE run_id = ? AND step_name = ?`,
		runID, stepName).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// SaveStepResult memoizes a step's result so a resumed run skips it.
func (c *Client) SaveStepResult(ctx context.Context, runID, stepName string, result []byte, now int64) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO import_steps (run_id, step_name, result, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, step_name) DO UPDATE SET
			result = excluded.result,
			completed_at = excluded.completed_at
	`, runID, stepName, result, now)
	if err != nil {
		return fmt.Errorf("error saving step %s for run %s: %w", stepName, runID, err)
	}
	return nil
}

// ListImportRuns returns recent runs, newest first.
func (c *Client) ListImportRuns(ctx context.Context, limit int64) ([]ImportRun, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, feed_source_name, status, error, created_at, updated_at
		FROM import_runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []ImportRun
	for rows.Next() {
		var r ImportRun
		if err := rows.Scan(&r.ID, &r.FeedSourceName, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
