package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/havoc-sh/havoc/pkg/stores"
)

// Store is the subset of the persistence layer the rollback engine needs.
// *stores.SQLiteStore satisfies it.
type Store interface {
	AppendStep(ctx context.Context, runID, action string, payload []byte) (int64, error)
	ListOpenSteps(ctx context.Context, runID string) ([]*stores.RollbackStep, error)
	UpdateStepStatus(ctx context.Context, runID string, seq int64, status stores.StepStatus, attempts int, errMsg *string) error
	UpdateRunStatus(ctx context.Context, id string, status stores.RunStatus, errMsg *string) error
	ListRunsWithOpenSteps(ctx context.Context) ([]*stores.RunRecord, error)
}

// Undoer reverses a single recorded step. Implementations resolve the step's
// action name to a skill and feed it the stored payload.
type Undoer interface {
	Undo(ctx context.Context, step *stores.RollbackStep) error
}

// UndoerFactory builds an Undoer for a recovered run, typically by
// reconnecting to the run's target from its stored configuration.
type UndoerFactory interface {
	UndoerFor(ctx context.Context, run *stores.RunRecord) (Undoer, error)
}

// UndoerFunc adapts a plain function to the Undoer interface.
type UndoerFunc func(ctx context.Context, step *stores.RollbackStep) error

// Undo calls f.
func (f UndoerFunc) Undo(ctx context.Context, step *stores.RollbackStep) error {
	return f(ctx, step)
}

// StepResult describes the outcome of replaying one step.
type StepResult struct {
	Seq      int64
	Action   string
	Status   stores.StepStatus
	Attempts int
	Err      error
}

// ReplaySummary aggregates the outcome of replaying one run's log.
type ReplaySummary struct {
	RunID     string
	Steps     []StepResult
	Undone    int
	Abandoned int
}

// Clean reports whether every open step was undone.
func (s *ReplaySummary) Clean() bool {
	return s.Abandoned == 0
}

// Config tunes the replay retry policy.
type Config struct {
	// MaxAttempts is the total number of tries per step, including the
	// first. Steps that fail this many times are marked abandoned.
	MaxAttempts int

	// BaseBackoff is the delay after the first failure; it doubles after
	// each subsequent failure of the same step.
	BaseBackoff time.Duration

	// FailFast stops replay at the first abandoned step instead of
	// continuing with the remaining (earlier) steps.
	FailFast bool
}

// DefaultConfig returns the retry policy used by the daemon.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		FailFast:    false,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
}

// StepHook is invoked after each step settles, applied or abandoned. Used by
// the orchestrator to emit rollback_step events.
type StepHook func(res StepResult)

// Engine appends to and replays the durable undo log.
type Engine struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

// NewEngine creates a rollback engine on top of the given store.
func NewEngine(store Store, cfg Config, logger zerolog.Logger) *Engine {
	cfg.normalize()
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "rollback").Logger(),
	}
}

// Append records an undo step for the given run. It must be called before the
// mutation the step reverses is treated as committed. The returned sequence
// number is unique and monotonically increasing within the run.
func (e *Engine) Append(ctx context.Context, runID, action string, payload []byte) (int64, error) {
	seq, err := e.store.AppendStep(ctx, runID, action, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to append rollback step for run %s: %w", runID, err)
	}

	e.logger.Debug().
		Str("run_id", runID).
		Int64("seq", seq).
		Str("action", action).
		Msg("Recorded rollback step")

	return seq, nil
}

// Replay undoes every open step of the run in descending sequence order.
// Each step is retried with exponential backoff up to the configured attempt
// ceiling; a step that exhausts its retries is marked abandoned and, unless
// FailFast is set, replay continues with the remaining steps.
//
// Replay does not honor ctx cancellation between steps: once rollback starts
// it runs to completion, because stopping half-way leaves the target in a
// worse state than either endpoint. ctx is still passed through to the
// undoer and the store so genuinely dead connections fail fast.
func (e *Engine) Replay(ctx context.Context, runID string, undoer Undoer, hook StepHook) (*ReplaySummary, error) {
	steps, err := e.store.ListOpenSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open rollback steps for run %s: %w", runID, err)
	}

	summary := &ReplaySummary{RunID: runID}
	if len(steps) == 0 {
		return summary, nil
	}

	e.logger.Info().
		Str("run_id", runID).
		Int("steps", len(steps)).
		Msg("Replaying rollback log")

	for _, step := range steps {
		res := e.replayStep(ctx, undoer, step)
		summary.Steps = append(summary.Steps, res)

		switch res.Status {
		case stores.StepStatusApplied:
			summary.Undone++
		case stores.StepStatusAbandoned:
			summary.Abandoned++
		}

		if hook != nil {
			hook(res)
		}

		if res.Status == stores.StepStatusAbandoned && e.cfg.FailFast {
			e.logger.Error().
				Str("run_id", runID).
				Int64("seq", res.Seq).
				Msg("Abandoning replay after failed step (fail-fast)")
			break
		}
	}

	e.logger.Info().
		Str("run_id", runID).
		Int("undone", summary.Undone).
		Int("abandoned", summary.Abandoned).
		Msg("Rollback replay finished")

	return summary, nil
}

// replayStep drives one step through the retry loop until it is applied or
// abandoned. Store failures while updating step status are returned inside
// the StepResult; the step stays open in that case and a later replay will
// pick it up again.
func (e *Engine) replayStep(ctx context.Context, undoer Undoer, step *stores.RollbackStep) StepResult {
	res := StepResult{
		Seq:      step.Seq,
		Action:   step.Action,
		Attempts: step.Attempts,
	}

	backoff := e.cfg.BaseBackoff

	// A recovered step can arrive with its persisted attempt count already
	// at or past the ceiling (e.g. replayed under a stricter policy than the
	// one that recorded it). It goes straight to abandoned.
	lastErr := errors.New("retry ceiling already reached")

	for res.Attempts < e.cfg.MaxAttempts {
		res.Attempts++

		err := undoer.Undo(ctx, step)
		if err == nil {
			if uerr := e.store.UpdateStepStatus(ctx, step.RunID, step.Seq, stores.StepStatusApplied, res.Attempts, nil); uerr != nil {
				res.Status = step.Status
				res.Err = fmt.Errorf("failed to mark step %d applied: %w", step.Seq, uerr)
				return res
			}
			res.Status = stores.StepStatusApplied
			e.logger.Debug().
				Str("run_id", step.RunID).
				Int64("seq", step.Seq).
				Str("action", step.Action).
				Int("attempts", res.Attempts).
				Msg("Undid step")
			return res
		}

		lastErr = err
		e.logger.Warn().Err(err).
			Str("run_id", step.RunID).
			Int64("seq", step.Seq).
			Str("action", step.Action).
			Int("attempt", res.Attempts).
			Msg("Undo attempt failed")

		if res.Attempts < e.cfg.MaxAttempts {
			msg := err.Error()
			if uerr := e.store.UpdateStepStatus(ctx, step.RunID, step.Seq, stores.StepStatusFailed, res.Attempts, &msg); uerr != nil {
				res.Status = step.Status
				res.Err = fmt.Errorf("failed to record undo failure for step %d: %w", step.Seq, uerr)
				return res
			}
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	msg := lastErr.Error()
	if uerr := e.store.UpdateStepStatus(ctx, step.RunID, step.Seq, stores.StepStatusAbandoned, res.Attempts, &msg); uerr != nil {
		res.Status = step.Status
		res.Err = fmt.Errorf("failed to mark step %d abandoned: %w", step.Seq, uerr)
		return res
	}

	res.Status = stores.StepStatusAbandoned
	res.Err = lastErr
	e.logger.Error().Err(lastErr).
		Str("run_id", step.RunID).
		Int64("seq", step.Seq).
		Str("action", step.Action).
		Int("attempts", res.Attempts).
		Msg("Abandoned rollback step; manual remediation required")

	return res
}

// Recover finds every run that crashed with open rollback steps and replays
// each run's log. Runs are replayed concurrently with each other; steps
// within a run stay strictly sequential. Runs whose target cannot be rebuilt
// by the factory are left untouched for a later recovery pass.
func (e *Engine) Recover(ctx context.Context, factory UndoerFactory) ([]*ReplaySummary, error) {
	runs, err := e.store.ListRunsWithOpenSteps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted runs: %w", err)
	}

	if len(runs) == 0 {
		e.logger.Debug().Msg("No interrupted runs to recover")
		return nil, nil
	}

	e.logger.Info().Int("runs", len(runs)).Msg("Recovering interrupted runs")

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		summaries []*ReplaySummary
	)

	for _, run := range runs {
		wg.Add(1)
		go func(run *stores.RunRecord) {
			defer wg.Done()

			undoer, ferr := factory.UndoerFor(ctx, run)
			if ferr != nil {
				e.logger.Error().Err(ferr).
					Str("run_id", run.ID).
					Str("target_kind", run.TargetKind).
					Msg("Cannot rebuild target for interrupted run; leaving its log open")
				return
			}

			summary, rerr := e.Replay(ctx, run.ID, undoer, nil)
			if rerr != nil {
				e.logger.Error().Err(rerr).
					Str("run_id", run.ID).
					Msg("Recovery replay failed")
				return
			}

			status := stores.RunStatusCompleted
			var errMsg *string
			if !summary.Clean() {
				status = stores.RunStatusRollbackFailures
				msg := fmt.Sprintf("%d rollback step(s) abandoned during recovery", summary.Abandoned)
				errMsg = &msg
			}
			if uerr := e.store.UpdateRunStatus(ctx, run.ID, status, errMsg); uerr != nil {
				e.logger.Error().Err(uerr).
					Str("run_id", run.ID).
					Msg("Failed to finalize recovered run")
				return
			}

			mu.Lock()
			summaries = append(summaries, summary)
			mu.Unlock()
		}(run)
	}

	wg.Wait()
	return summaries, nil
}
