package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/havoc-sh/havoc/pkg/stores"
)

// fakeStore is an in-memory Store implementation.
type fakeStore struct {
	mu    sync.Mutex
	runs  map[string]*stores.RunRecord
	steps map[string][]*stores.RollbackStep

	failStatusUpdate bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:  make(map[string]*stores.RunRecord),
		steps: make(map[string][]*stores.RollbackStep),
	}
}

func (f *fakeStore) addRun(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id] = &stores.RunRecord{
		ID:         id,
		Experiment: "test",
		TargetKind: "database",
		Status:     stores.RunStatusRunning,
		StartedAt:  time.Now(),
	}
}

func (f *fakeStore) AppendStep(_ context.Context, runID, action string, payload []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(len(f.steps[runID]) + 1)
	f.steps[runID] = append(f.steps[runID], &stores.RollbackStep{
		RunID:   runID,
		Seq:     seq,
		Action:  action,
		Payload: payload,
		Status:  stores.StepStatusPending,
	})
	return seq, nil
}

func (f *fakeStore) ListOpenSteps(_ context.Context, runID string) ([]*stores.RollbackStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []*stores.RollbackStep
	for i := len(f.steps[runID]) - 1; i >= 0; i-- {
		step := f.steps[runID][i]
		if !step.Status.IsTerminal() {
			cp := *step
			open = append(open, &cp)
		}
	}
	return open, nil
}

func (f *fakeStore) UpdateStepStatus(_ context.Context, runID string, seq int64, status stores.StepStatus, attempts int, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatusUpdate {
		return errors.New("disk full")
	}
	for _, step := range f.steps[runID] {
		if step.Seq == seq {
			step.Status = status
			step.Attempts = attempts
			step.Error = errMsg
			return nil
		}
	}
	return fmt.Errorf("step %d not found", seq)
}

func (f *fakeStore) UpdateRunStatus(_ context.Context, id string, status stores.RunStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return stores.ErrRunNotFound
	}
	run.Status = status
	run.Error = errMsg
	return nil
}

func (f *fakeStore) ListRunsWithOpenSteps(_ context.Context) ([]*stores.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*stores.RunRecord
	for id, run := range f.runs {
		for _, step := range f.steps[id] {
			if !step.Status.IsTerminal() {
				cp := *run
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) setStep(runID string, seq int64, status stores.StepStatus, attempts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, step := range f.steps[runID] {
		if step.Seq == seq {
			step.Status = status
			step.Attempts = attempts
			return
		}
	}
}

func (f *fakeStore) stepStatus(runID string, seq int64) stores.StepStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, step := range f.steps[runID] {
		if step.Seq == seq {
			return step.Status
		}
	}
	return ""
}

func (f *fakeStore) runStatus(id string) stores.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id].Status
}

// recordingUndoer records undo order and fails per-action a configured
// number of times.
type recordingUndoer struct {
	mu       sync.Mutex
	order    []string
	failures map[string]int
}

func (u *recordingUndoer) Undo(_ context.Context, step *stores.RollbackStep) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := fmt.Sprintf("%s/%d", step.Action, step.Seq)
	if u.failures[key] > 0 {
		u.failures[key]--
		return errors.New("target unreachable")
	}
	u.order = append(u.order, key)
	return nil
}

func testEngine(store Store) *Engine {
	return NewEngine(store, Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	}, zerolog.Nop())
}

func TestAppendAssignsSequence(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := testEngine(store)

	for i := 1; i <= 3; i++ {
		seq, err := eng.Append(context.Background(), "run-1", "db.table_lock", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if seq != int64(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}
}

func TestReplayUndoesInReverseOrder(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := testEngine(store)
	ctx := context.Background()

	for _, action := range []string{"db.table_lock", "db.kill_connections", "db.drop_index"} {
		if _, err := eng.Append(ctx, "run-1", action, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	undoer := &recordingUndoer{}
	summary, err := eng.Replay(ctx, "run-1", undoer, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if summary.Undone != 3 || summary.Abandoned != 0 {
		t.Fatalf("undone = %d abandoned = %d, want 3/0", summary.Undone, summary.Abandoned)
	}

	want := []string{"db.drop_index/3", "db.kill_connections/2", "db.table_lock/1"}
	if len(undoer.order) != len(want) {
		t.Fatalf("undo order %v, want %v", undoer.order, want)
	}
	for i := range want {
		if undoer.order[i] != want[i] {
			t.Errorf("undo[%d] = %s, want %s", i, undoer.order[i], want[i])
		}
	}
}

func TestReplayRetriesThenApplies(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := testEngine(store)
	ctx := context.Background()

	if _, err := eng.Append(ctx, "run-1", "host.stop_service", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Fails twice, succeeds on the third and final attempt.
	undoer := &recordingUndoer{failures: map[string]int{"host.stop_service/1": 2}}
	summary, err := eng.Replay(ctx, "run-1", undoer, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if summary.Undone != 1 {
		t.Fatalf("undone = %d, want 1", summary.Undone)
	}
	if got := summary.Steps[0].Attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := store.stepStatus("run-1", 1); got != stores.StepStatusApplied {
		t.Errorf("step status = %q, want applied", got)
	}
}

func TestReplayAbandonsAndContinues(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := testEngine(store)
	ctx := context.Background()

	for _, action := range []string{"db.table_lock", "db.kill_connections", "db.drop_index"} {
		if _, err := eng.Append(ctx, "run-1", action, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	// Step 2 never succeeds; steps 3 and 1 must still be undone.
	undoer := &recordingUndoer{failures: map[string]int{"db.kill_connections/2": 99}}
	summary, err := eng.Replay(ctx, "run-1", undoer, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if summary.Undone != 2 || summary.Abandoned != 1 {
		t.Fatalf("undone = %d abandoned = %d, want 2/1", summary.Undone, summary.Abandoned)
	}
	if summary.Clean() {
		t.Error("summary with an abandoned step must not be clean")
	}
	if got := store.stepStatus("run-1", 2); got != stores.StepStatusAbandoned {
		t.Errorf("step 2 status = %q, want abandoned", got)
	}
	if got := store.stepStatus("run-1", 1); got != stores.StepStatusApplied {
		t.Errorf("step 1 status = %q, want applied", got)
	}

	want := []string{"db.drop_index/3", "db.table_lock/1"}
	for i := range want {
		if undoer.order[i] != want[i] {
			t.Errorf("undo[%d] = %s, want %s", i, undoer.order[i], want[i])
		}
	}
}

func TestReplayFailFastStopsAtAbandoned(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := NewEngine(store, Config{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		FailFast:    true,
	}, zerolog.Nop())
	ctx := context.Background()

	for _, action := range []string{"db.table_lock", "db.drop_index"} {
		if _, err := eng.Append(ctx, "run-1", action, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	undoer := &recordingUndoer{failures: map[string]int{"db.drop_index/2": 99}}
	summary, err := eng.Replay(ctx, "run-1", undoer, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if summary.Abandoned != 1 || summary.Undone != 0 {
		t.Fatalf("undone = %d abandoned = %d, want 0/1", summary.Undone, summary.Abandoned)
	}
	// Step 1 was never attempted and stays open.
	if got := store.stepStatus("run-1", 1); got != stores.StepStatusPending {
		t.Errorf("step 1 status = %q, want pending", got)
	}
}

func TestReplayStepHook(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := testEngine(store)
	ctx := context.Background()

	if _, err := eng.Append(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	var hooked []StepResult
	_, err := eng.Replay(ctx, "run-1", &recordingUndoer{}, func(res StepResult) {
		hooked = append(hooked, res)
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(hooked) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(hooked))
	}
	if hooked[0].Status != stores.StepStatusApplied || hooked[0].Seq != 1 {
		t.Errorf("hook result = %+v", hooked[0])
	}
}

// fakeFactory hands out undoers per run and refuses configured runs.
type fakeFactory struct {
	undoer *recordingUndoer
	refuse map[string]bool
}

func (f *fakeFactory) UndoerFor(_ context.Context, run *stores.RunRecord) (Undoer, error) {
	if f.refuse[run.ID] {
		return nil, errors.New("target unreachable")
	}
	return f.undoer, nil
}

func TestRecoverReplaysInterruptedRuns(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	store.addRun("run-2")
	eng := testEngine(store)
	ctx := context.Background()

	if _, err := eng.Append(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := eng.Append(ctx, "run-2", "kube.delete_pod", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	factory := &fakeFactory{undoer: &recordingUndoer{}}
	summaries, err := eng.Recover(ctx, factory)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	for _, id := range []string{"run-1", "run-2"} {
		if got := store.runStatus(id); got != stores.RunStatusCompleted {
			t.Errorf("run %s status = %q, want completed", id, got)
		}
		if got := store.stepStatus(id, 1); got != stores.StepStatusApplied {
			t.Errorf("run %s step status = %q, want applied", id, got)
		}
	}
}

func TestRecoverLeavesUnreachableRunsOpen(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := testEngine(store)
	ctx := context.Background()

	if _, err := eng.Append(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	factory := &fakeFactory{undoer: &recordingUndoer{}, refuse: map[string]bool{"run-1": true}}
	summaries, err := eng.Recover(ctx, factory)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	if len(summaries) != 0 {
		t.Fatalf("got %d summaries, want 0", len(summaries))
	}
	// Still running with its step open, for the next recovery pass.
	if got := store.runStatus("run-1"); got != stores.RunStatusRunning {
		t.Errorf("run status = %q, want running", got)
	}
	if got := store.stepStatus("run-1", 1); got != stores.StepStatusPending {
		t.Errorf("step status = %q, want pending", got)
	}
}

func TestRecoverMarksAbandonedRuns(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := testEngine(store)
	ctx := context.Background()

	if _, err := eng.Append(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	factory := &fakeFactory{undoer: &recordingUndoer{failures: map[string]int{"db.table_lock/1": 99}}}
	summaries, err := eng.Recover(ctx, factory)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	if len(summaries) != 1 || summaries[0].Abandoned != 1 {
		t.Fatalf("summaries = %+v, want one with an abandoned step", summaries)
	}
	if got := store.runStatus("run-1"); got != stores.RunStatusRollbackFailures {
		t.Errorf("run status = %q, want %q", got, stores.RunStatusRollbackFailures)
	}
}

func TestReplayAbandonsPreExhaustedStep(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := NewEngine(store, Config{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
	}, zerolog.Nop())
	ctx := context.Background()

	if _, err := eng.Append(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	// A crashed process left the step failed with its attempt count already
	// at this engine's ceiling.
	store.setStep("run-1", 1, stores.StepStatusFailed, 2)

	undoer := &recordingUndoer{}
	summary, err := eng.Replay(ctx, "run-1", undoer, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if summary.Abandoned != 1 || summary.Undone != 0 {
		t.Fatalf("undone = %d abandoned = %d, want 0/1", summary.Undone, summary.Abandoned)
	}
	if len(undoer.order) != 0 {
		t.Errorf("undo attempted %v for a step past its retry ceiling", undoer.order)
	}
	if summary.Steps[0].Err == nil {
		t.Error("expected an error explaining the abandonment")
	}
	if got := store.stepStatus("run-1", 1); got != stores.StepStatusAbandoned {
		t.Errorf("step status = %q, want abandoned", got)
	}
}

func TestReplayStoreFailureLeavesStepOpen(t *testing.T) {
	store := newFakeStore()
	store.addRun("run-1")
	eng := testEngine(store)
	ctx := context.Background()

	if _, err := eng.Append(ctx, "run-1", "db.table_lock", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	store.failStatusUpdate = true
	summary, err := eng.Replay(ctx, "run-1", &recordingUndoer{}, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	// The undo succeeded but could not be recorded; the step counts as
	// neither undone nor abandoned and stays open.
	if summary.Undone != 0 || summary.Abandoned != 0 {
		t.Errorf("undone = %d abandoned = %d, want 0/0", summary.Undone, summary.Abandoned)
	}
	if summary.Steps[0].Err == nil {
		t.Error("expected a store error in the step result")
	}
	if got := store.stepStatus("run-1", 1); got != stores.StepStatusPending {
		t.Errorf("step status = %q, want pending", got)
	}
}
