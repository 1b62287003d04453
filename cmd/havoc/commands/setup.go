package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/havoc-sh/havoc/pkg/engine"
	"github.com/havoc-sh/havoc/pkg/policy"
	"github.com/havoc-sh/havoc/pkg/rollback"
	"github.com/havoc-sh/havoc/pkg/stores"
	"github.com/havoc-sh/havoc/pkg/telemetry"
)

// stack holds the wired-up engine collaborators shared by the commands.
type stack struct {
	store    *stores.SQLiteStore
	rollback *rollback.Engine
	gate     *policy.Gate
	metrics  *telemetry.Metrics
	orch     *engine.Orchestrator
}

// buildStack opens the store, runs migrations, and wires the rollback
// engine, policy gate, metrics, and orchestrator together.
func buildStack(ctx context.Context, logger zerolog.Logger) (*stack, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	gate, err := policy.NewGate(logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build policy gate: %w", err)
	}
	if policyDir != "" {
		if err := gate.LoadDir(ctx, policyDir); err != nil {
			store.Close()
			return nil, err
		}
	}

	metrics := telemetry.NewMetrics()
	rb := rollback.NewEngine(store, rollback.DefaultConfig(), logger)
	orch := engine.NewOrchestrator(store, rb, engine.Options{
		Gate:    gate,
		Metrics: metrics,
	}, logger)

	return &stack{
		store:    store,
		rollback: rb,
		gate:     gate,
		metrics:  metrics,
		orch:     orch,
	}, nil
}

// Close releases the stack's resources.
func (s *stack) Close() error {
	return s.store.Close()
}

// recoverInterrupted replays any rollback logs left open by a previous
// process. Called on startup before new experiments run.
func (s *stack) recoverInterrupted(ctx context.Context, logger zerolog.Logger) error {
	summaries, err := s.rollback.Recover(ctx, engine.NewRecoveryFactory(logger))
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		if !summary.Clean() {
			logger.Warn().
				Str("run_id", summary.RunID).
				Int("abandoned", summary.Abandoned).
				Msg("Recovered run has abandoned rollback steps; manual remediation required")
		}
	}
	return nil
}
