package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a migrated store backed by a temp-dir database file.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "havoc.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string) *RunRecord {
	t.Helper()

	run := &RunRecord{
		ID:           id,
		Experiment:   "lock-orders-table",
		TargetKind:   "database",
		TargetConfig: json.RawMessage(`{"dsn":"postgres://localhost/orders"}`),
		Status:       RunStatusRunning,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "havoc.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := createTestRun(t, store, "run-1")

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Experiment != created.Experiment {
		t.Errorf("experiment = %q, want %q", got.Experiment, created.Experiment)
	}
	if got.Status != RunStatusRunning {
		t.Errorf("status = %q, want %q", got.Status, RunStatusRunning)
	}
	if got.CompletedAt != nil {
		t.Errorf("expected nil completed_at for a running run, got %v", got.CompletedAt)
	}
	if string(got.TargetConfig) != string(created.TargetConfig) {
		t.Errorf("target_config = %s, want %s", got.TargetConfig, created.TargetConfig)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestUpdateRunStatusStampsCompletion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestRun(t, store, "run-1")

	msg := "2 rollback step(s) abandoned"
	if err := store.UpdateRunStatus(ctx, "run-1", RunStatusRollbackFailures, &msg); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusRollbackFailures {
		t.Errorf("status = %q, want %q", got.Status, RunStatusRollbackFailures)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be stamped for a terminal status")
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("error = %v, want %q", got.Error, msg)
	}
}

func TestAppendStepSequenceIsMonotonic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestRun(t, store, "run-1")
	createTestRun(t, store, "run-2")

	for i := 1; i <= 5; i++ {
		seq, err := store.AppendStep(ctx, "run-1", "db.table_lock", json.RawMessage(`{"table":"orders"}`))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if seq != int64(i) {
			t.Errorf("append %d: seq = %d, want %d", i, seq, i)
		}
	}

	// Sequences are per run.
	seq, err := store.AppendStep(ctx, "run-2", "db.kill_connections", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("append on second run failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("second run seq = %d, want 1", seq)
	}
}

func TestListOpenStepsDescendingOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestRun(t, store, "run-1")
	for i := 0; i < 4; i++ {
		if _, err := store.AppendStep(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	// Undo order is last-appended first.
	steps, err := store.ListOpenSteps(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list open steps: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("got %d open steps, want 4", len(steps))
	}
	for i, step := range steps {
		want := int64(4 - i)
		if step.Seq != want {
			t.Errorf("steps[%d].Seq = %d, want %d", i, step.Seq, want)
		}
		if step.Status != StepStatusPending {
			t.Errorf("steps[%d].Status = %q, want pending", i, step.Status)
		}
	}
}

func TestListOpenStepsExcludesTerminal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestRun(t, store, "run-1")
	for i := 0; i < 3; i++ {
		if _, err := store.AppendStep(ctx, "run-1", "host.stop_service", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	if err := store.UpdateStepStatus(ctx, "run-1", 3, StepStatusApplied, 1, nil); err != nil {
		t.Fatalf("failed to mark step applied: %v", err)
	}
	msg := "connection refused"
	if err := store.UpdateStepStatus(ctx, "run-1", 2, StepStatusFailed, 2, &msg); err != nil {
		t.Fatalf("failed to mark step failed: %v", err)
	}
	if err := store.UpdateStepStatus(ctx, "run-1", 1, StepStatusAbandoned, 3, &msg); err != nil {
		t.Fatalf("failed to mark step abandoned: %v", err)
	}

	// Failed steps are still open (they get retried); applied and abandoned
	// are terminal.
	steps, err := store.ListOpenSteps(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list open steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("got %d open steps, want 1", len(steps))
	}
	if steps[0].Seq != 2 || steps[0].Status != StepStatusFailed {
		t.Errorf("open step = seq %d status %q, want seq 2 status failed", steps[0].Seq, steps[0].Status)
	}
	if steps[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", steps[0].Attempts)
	}
	if steps[0].Error == nil || *steps[0].Error != msg {
		t.Errorf("error = %v, want %q", steps[0].Error, msg)
	}
}

func TestListRunsWithOpenSteps(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// run-1 crashed mid-flight with a pending step; run-2 rolled back fully;
	// run-3 never mutated anything.
	createTestRun(t, store, "run-1")
	createTestRun(t, store, "run-2")
	createTestRun(t, store, "run-3")

	if _, err := store.AppendStep(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := store.AppendStep(ctx, "run-2", "db.table_lock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.UpdateStepStatus(ctx, "run-2", 1, StepStatusApplied, 1, nil); err != nil {
		t.Fatalf("failed to mark step applied: %v", err)
	}

	runs, err := store.ListRunsWithOpenSteps(ctx)
	if err != nil {
		t.Fatalf("failed to list interrupted runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d interrupted runs, want 1", len(runs))
	}
	if runs[0].ID != "run-1" {
		t.Errorf("interrupted run = %q, want run-1", runs[0].ID)
	}
}

func TestCrashRecoveryStepSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "havoc.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	run := &RunRecord{
		ID:         "run-1",
		Experiment: "kill-pod",
		TargetKind: "kubernetes",
		Status:     RunStatusRunning,
		StartedAt:  time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if _, err := store.AppendStep(ctx, "run-1", "kube.delete_pod", json.RawMessage(`{"pod":"orders-0"}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Simulate a crash: close without updating anything.
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to recreate store: %v", err)
	}
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	if err := reopened.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-migrate store: %v", err)
	}
	defer reopened.Close()

	runs, err := reopened.ListRunsWithOpenSteps(ctx)
	if err != nil {
		t.Fatalf("failed to list interrupted runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("interrupted runs = %v, want [run-1]", runs)
	}

	steps, err := reopened.ListOpenSteps(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list open steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("got %d open steps after reopen, want 1", len(steps))
	}
	if steps[0].Action != "kube.delete_pod" {
		t.Errorf("step action = %q, want kube.delete_pod", steps[0].Action)
	}
	if string(steps[0].Payload) != `{"pod":"orders-0"}` {
		t.Errorf("step payload = %s", steps[0].Payload)
	}
}

func TestListStepsAscendingOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestRun(t, store, "run-1")
	for i := 0; i < 3; i++ {
		if _, err := store.AppendStep(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	steps, err := store.ListSteps(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	for i, step := range steps {
		if step.Seq != int64(i+1) {
			t.Errorf("steps[%d].Seq = %d, want %d", i, step.Seq, i+1)
		}
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		createTestRun(t, store, id)
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs with limit 2, want 2", len(runs))
	}

	rest, err := store.ListRuns(ctx, 10, 2)
	if err != nil {
		t.Fatalf("failed to list runs with offset: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("got %d runs with offset 2, want 1", len(rest))
	}
}
