package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/clock"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/metrics"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 2 * time.Second
	defaultRunBudget   = time.Hour
)

// ErrBudgetExceeded aborts a run that has outlived its wall-clock budget.
// It is raised at step boundaries so the run stops cleanly between
// checkpoints, never mid-step.
var ErrBudgetExceeded = errors.New("workflow run exceeded wall-clock budget")

// Runner executes named steps for one run id, persisting each step's
// result before moving on.
type Runner struct {
	db      *gtfsdb.Client
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	runID       string
	maxAttempts int
	baseBackoff time.Duration
	deadline    time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxAttempts bounds retries of a step that keeps failing transiently.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) { r.maxAttempts = n }
}

// WithBaseBackoff sets the first retry delay; subsequent delays double.
func WithBaseBackoff(d time.Duration) Option {
	return func(r *Runner) { r.baseBackoff = d }
}

// WithMetrics attaches retry counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates or resumes the run row for runID. Resuming an
// existing run picks up its memoized steps; the source name must match.
func NewRunner(ctx context.Context, db *gtfsdb.Client, clk clock.Clock, logger *slog.Logger, runID, sourceName string, budget time.Duration, opts ...Option) (*Runner, error) {
	if budget <= 0 {
		budget = defaultRunBudget
	}

	r := &Runner{
		db:          db,
		clock:       clk,
		logger:      logger.With(slog.String("component", "workflow"), slog.String("run_id", runID)),
		runID:       runID,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.deadline = clk.Now().Add(budget)

	run, err := db.GetImportRun(ctx, runID)
	switch {
	case err == sql.ErrNoRows:
		if err := db.CreateImportRun(ctx, runID, sourceName, "Created", clk.Now().Unix()); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if run.FeedSourceName != sourceName {
			return nil, fmt.Errorf("run %s belongs to source %s, not %s", runID, run.FeedSourceName, sourceName)
		}
		logging.LogOperation(r.logger, "workflow_run_resumed",
			slog.String("status", run.Status))
	}

	return r, nil
}

// RunID returns this runner's run id.
func (r *Runner) RunID() string { return r.runID }

// SetStatus moves the run to a new state for operator visibility.
func (r *Runner) SetStatus(ctx context.Context, status string) error {
	logging.LogOperation(r.logger, "workflow_status",
		slog.String("status", status))
	return r.db.UpdateImportRunStatus(ctx, r.runID, status, sql.NullString{}, r.clock.Now().Unix())
}

// Fail records the terminal error on the run row.
func (r *Runner) Fail(ctx context.Context, runErr error) error {
	logging.LogError(r.logger, "workflow_run_failed", runErr)
	return r.db.UpdateImportRunStatus(ctx, r.runID, "Failed",
		sql.NullString{String: runErr.Error(), Valid: true}, r.clock.Now().Unix())
}

// Step executes fn exactly once per run: if a previous attempt of this
// run already completed the step, the memoized result is returned and fn
// is not invoked. Non-fatal failures are retried with exponential
// backoff up to the runner's attempt bound.
func Step[T any](ctx context.Context, r *Runner, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	cached, done, err := r.db.GetStepResult(ctx, r.runID, name)
	if err != nil {
		return zero, fmt.Errorf("error loading checkpoint for step %s: %w", name, err)
	}
	if done {
		var result T
		if err := json.Unmarshal(cached, &result); err != nil {
			return zero, fmt.Errorf("error decoding checkpoint for step %s: %w", name, err)
		}
		logging.LogOperation(r.logger, "workflow_step_skipped",
			slog.String("step", name))
		return result, nil
	}

	if r.clock.Now().After(r.deadline) {
		return zero, ErrBudgetExceeded
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			encoded, err := json.Marshal(result)
			if err != nil {
				return zero, fmt.Errorf("error encoding result of step %s: %w", name, err)
			}
			if err := r.db.SaveStepResult(ctx, r.runID, name, encoded, r.clock.Now().Unix()); err != nil {
				return zero, fmt.Errorf("error checkpointing step %s: %w", name, err)
			}
			logging.LogOperation(r.logger, "workflow_step_completed",
				slog.String("step", name),
				slog.Int("attempt", attempt))
			return result, nil
		}

		if IsFatal(err) || ctx.Err() != nil {
			return zero, err
		}

		lastErr = err
		if attempt == r.maxAttempts {
			break
		}

		backoff := r.baseBackoff << (attempt - 1)
		logging.LogError(r.logger, "workflow_step_retrying", err,
			slog.String("step", name),
			slog.Int("attempt", attempt),
			slog.Bool("transient", IsTransient(err)),
			slog.Duration("backoff", backoff))
		if r.metrics != nil {
			r.metrics.WorkflowStepRetries.WithLabelValues(name).Inc()
		}
		if err := r.clock.Sleep(ctx, backoff); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("step %s failed after %d attempts: %w", name, r.maxAttempts, lastErr)
}

// Sleep is a durable pause: the wake time is checkpointed, so a resumed
// run does not sleep again once the wake time has passed.
func (r *Runner) Sleep(ctx context.Context, name string, d time.Duration) error {
	wakeAt, err := Step(ctx, r, name, func(context.Context) (int64, error) {
		return r.clock.Now().Add(d).Unix(), nil
	})
	if err != nil {
		return err
	}

	remaining := time.Duration(wakeAt-r.clock.Now().Unix()) * time.Second
	if remaining <= 0 {
		return nil
	}
	return r.clock.Sleep(ctx, remaining)
}
