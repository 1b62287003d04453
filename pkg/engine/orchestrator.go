package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/havoc-sh/havoc/pkg/rollback"
	"github.com/havoc-sh/havoc/pkg/stores"
)

// RunStore is the subset of the persistence layer the orchestrator needs for
// run records. *stores.SQLiteStore satisfies it.
type RunStore interface {
	CreateRun(ctx context.Context, run *stores.RunRecord) error
	UpdateRunStatus(ctx context.Context, id string, status stores.RunStatus, errMsg *string) error
}

// RunObserver is notified when a run's event bus is created, before any event
// is published on it. Observers subscribe here to see the run from the start.
type RunObserver func(runID string, experiment string, bus *Bus)

// Orchestrator drives experiments through the lifecycle state machine:
// Discovering, Planning, Executing, Soaking, RollingBack, then a terminal
// status. One orchestrator serves many concurrent runs.
type Orchestrator struct {
	store    RunStore
	rollback *rollback.Engine
	gate     PolicyGate
	metrics  Metrics
	logger   zerolog.Logger

	mu       sync.Mutex
	observer RunObserver
	active   map[string]*activeRun
}

// activeRun tracks a run in flight so it can be cancelled by ID.
type activeRun struct {
	cancel context.CancelFunc
	bus    *Bus
}

// Options configures optional orchestrator collaborators.
type Options struct {
	// Gate, when non-nil, is consulted during planning. A gate error fails
	// the run before any mutation.
	Gate PolicyGate

	// Metrics receives run/action/rollback measurements. Nil means no-op.
	Metrics Metrics
}

// NewOrchestrator creates an orchestrator over the given store and rollback
// engine.
func NewOrchestrator(store RunStore, rb *rollback.Engine, opts Options, logger zerolog.Logger) *Orchestrator {
	m := opts.Metrics
	if m == nil {
		m = NopMetrics{}
	}
	return &Orchestrator{
		store:    store,
		rollback: rb,
		gate:     opts.Gate,
		metrics:  m,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		active:   make(map[string]*activeRun),
	}
}

// SetRunObserver registers the callback invoked when a run's event bus is
// created. Must be set before the runs it should observe are started.
func (o *Orchestrator) SetRunObserver(obs RunObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = obs
}

// Cancel requests cancellation of an active run. In-flight action applies
// finish, further actions are skipped, any remaining soak is cut short, and
// rollback still runs to completion. Idempotent; returns false if the run is
// not active.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	run, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.logger.Info().Str("run_id", runID).Msg("Cancellation requested")
	run.cancel()
	return true
}

// plannedAction is one fully bound, policy-checked action execution.
type plannedAction struct {
	name  string
	skill Skill
	bound BoundParams
}

// Run executes the experiment to a terminal state and returns its report.
// The returned error is non-nil only for pre-mutation failures and fatal
// persistence failures; individual action failures are recorded in the
// report without failing the run.
//
// Cancellation (via ctx or Cancel) is observed between actions and during
// soak, never mid-apply and never during rollback: those phases run on a
// detached context so a mutation is always either completed or undone.
func (o *Orchestrator) Run(ctx context.Context, exp *Experiment) (*Report, error) {
	if err := validateExperiment(exp); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger := o.logger.With().Str("run_id", runID).Str("experiment", exp.Name).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Applies and rollback must survive cancellation of runCtx and ctx.
	detached := context.WithoutCancel(ctx)

	bus := NewBus(runID, 0)
	defer bus.Close()

	o.mu.Lock()
	o.active[runID] = &activeRun{cancel: cancel, bus: bus}
	obs := o.observer
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	if obs != nil {
		obs(runID, exp.Name, bus)
	}

	report := &Report{
		RunID:      runID,
		Experiment: exp.Name,
		Target:     exp.Target,
		Status:     StatusIdle,
		StartedAt:  time.Now(),
	}

	record := &stores.RunRecord{
		ID:           runID,
		Experiment:   exp.Name,
		TargetKind:   string(exp.Target),
		TargetConfig: exp.TargetConfig,
		Status:       stores.RunStatusRunning,
		StartedAt:    report.StartedAt,
	}
	if err := o.store.CreateRun(detached, record); err != nil {
		perr := NewPersistenceError("failed to persist run record", err).WithRun(runID)
		report.finish(StatusFailed, perr)
		return report, perr
	}

	o.metrics.RunStarted(exp.Target)
	logger.Info().
		Str("target", string(exp.Target)).
		Int("actions", len(exp.Actions)).
		Dur("duration", exp.Duration).
		Msg("Starting experiment run")

	// Discovering.
	o.setStatus(bus, report, StatusDiscovering, logger)

	agent, err := BuildAgent(runCtx, exp.Target, exp.TargetConfig)
	if err != nil {
		return o.failClean(detached, bus, report, logger, err)
	}
	defer agent.Close(detached)

	if err := agent.Connect(runCtx); err != nil {
		return o.failClean(detached, bus, report, logger,
			NewConnectionError("failed to connect to target", err).WithRun(runID))
	}

	disc, err := agent.Discover(runCtx)
	if err != nil {
		return o.failClean(detached, bus, report, logger,
			NewDiscoveryError("target discovery failed", err).WithRun(runID))
	}
	disc, err = disc.Filter(exp.ResourceFilters)
	if err != nil {
		return o.failClean(detached, bus, report, logger, err)
	}
	report.Discovered = len(disc.Resources)
	logger.Info().Int("resources", len(disc.Resources)).Msg("Discovery complete")

	// Planning. Every request is bound and policy-checked before anything
	// executes; one bad request fails the whole run with zero mutations.
	o.setStatus(bus, report, StatusPlanning, logger)

	plan, err := o.plan(exp, agent, disc)
	if err != nil {
		return o.failClean(detached, bus, report, logger, err)
	}
	if o.gate != nil {
		if gerr := o.gate.Check(runCtx, exp, disc); gerr != nil {
			return o.failClean(detached, bus, report, logger, gerr)
		}
	}
	logger.Info().Int("planned", len(plan)).Msg("Plan validated")

	// Executing.
	o.setStatus(bus, report, StatusExecuting, logger)

	var persistFailure error
	if exp.Parallel {
		persistFailure = o.executeParallel(runCtx, detached, runID, plan, bus, report, logger)
	} else {
		persistFailure = o.executeSequential(runCtx, detached, runID, plan, bus, report, logger)
	}

	// Soaking. The blast radius stays open for the remainder of the declared
	// duration. Skipped entirely after a persistence failure: without a
	// durable undo log the only safe move is immediate rollback.
	if persistFailure == nil && runCtx.Err() == nil {
		soak := exp.Duration - time.Since(report.StartedAt)
		if soak > 0 {
			o.setStatus(bus, report, StatusSoaking, logger)
			logger.Info().Dur("soak", soak).Msg("Holding blast radius open")
			select {
			case <-time.After(soak):
			case <-runCtx.Done():
				logger.Info().Msg("Soak cut short by cancellation")
			}
		}
	}

	// RollingBack.
	o.setStatus(bus, report, StatusRollingBack, logger)
	bus.Publish(Event{Type: EventRollbackStarted, Message: "replaying rollback log"})

	summary, rerr := o.rollback.Replay(detached, runID, &agentUndoer{agent: agent}, func(res rollback.StepResult) {
		abandoned := res.Status == stores.StepStatusAbandoned
		o.metrics.RollbackStepFinished(abandoned)
		ev := Event{
			Type:    EventRollbackStep,
			Action:  res.Action,
			StepSeq: res.Seq,
			Message: string(res.Status),
		}
		if res.Err != nil {
			ev.Error = res.Err.Error()
		}
		bus.Publish(ev)
	})
	if rerr != nil {
		// The log itself could not be read back. Nothing more can be undone
		// from here; the steps stay open for a later recover pass.
		logger.Error().Err(rerr).Msg("Rollback replay failed")
		perr := NewPersistenceError("rollback replay failed", rerr).WithRun(runID)
		o.finalize(detached, bus, report, logger, stores.RunStatusRollbackFailures,
			StatusCompletedWithRollbackFailures, perr)
		return report, perr
	}
	report.applyRollback(summary)

	// Terminal status. Abandoned steps dominate everything else: the run left
	// damage behind that a human has to clean up.
	var (
		status      = StatusCompleted
		storeStatus = stores.RunStatusCompleted
		runErr      error
	)
	switch {
	case !summary.Clean():
		status = StatusCompletedWithRollbackFailures
		storeStatus = stores.RunStatusRollbackFailures
		runErr = fmt.Errorf("%d rollback step(s) abandoned; manual remediation required", summary.Abandoned)
	case persistFailure != nil:
		status = StatusFailed
		storeStatus = stores.RunStatusFailed
		runErr = persistFailure
	case runCtx.Err() != nil:
		status = StatusCancelled
		storeStatus = stores.RunStatusCancelled
	}

	o.finalize(detached, bus, report, logger, storeStatus, status, runErr)
	if persistFailure != nil {
		return report, persistFailure
	}
	return report, nil
}

// validateExperiment checks the experiment definition before a run record
// exists.
func validateExperiment(exp *Experiment) error {
	if exp == nil {
		return NewConfigError("experiment is nil", nil)
	}
	if exp.Name == "" {
		return NewConfigError("experiment name is required", nil)
	}
	if err := exp.Target.Validate(); err != nil {
		return NewConfigError("invalid target", err)
	}
	if len(exp.Actions) == 0 {
		return NewConfigError("experiment declares no actions", nil)
	}
	if exp.Duration <= 0 {
		return NewConfigError("experiment duration must be positive", nil)
	}
	for _, req := range exp.Actions {
		if req.Name == "" {
			return NewConfigError("action request without a name", nil)
		}
	}
	return nil
}

// plan expands action requests by their repeat count and binds each one.
func (o *Orchestrator) plan(exp *Experiment, agent Agent, disc *Discovery) ([]plannedAction, error) {
	var plan []plannedAction
	for _, req := range exp.Actions {
		skill, ok := agent.Skill(req.Name)
		if !ok {
			return nil, NewValidationError(fmt.Sprintf("unknown action %q for target %s", req.Name, exp.Target), nil)
		}
		for i := 0; i < req.Repeat(); i++ {
			bound, err := skill.Validate(req.Params, disc)
			if err != nil {
				return nil, NewValidationError(fmt.Sprintf("invalid parameters for action %q", req.Name), err)
			}
			plan = append(plan, plannedAction{name: req.Name, skill: skill, bound: bound})
		}
	}
	return plan, nil
}

// executeSequential runs the plan one action at a time. It stops early on
// cancellation or on a persistence failure, marking the untouched remainder
// skipped, and returns the persistence error if one occurred.
func (o *Orchestrator) executeSequential(runCtx, detached context.Context, runID string, plan []plannedAction, bus *Bus, report *Report, logger zerolog.Logger) error {
	for i, pa := range plan {
		if runCtx.Err() != nil {
			o.skipRemaining(plan[i:], bus, report, "run cancelled")
			return nil
		}
		rec, perr := o.executeOne(detached, runID, pa, bus, logger)
		report.addAction(rec)
		if perr != nil {
			o.skipRemaining(plan[i+1:], bus, report, "halted after persistence failure")
			return perr
		}
	}
	return nil
}

// executeParallel launches every planned action at once. Failures never abort
// siblings; each action appends its own rollback step the moment its apply
// returns, so store sequence order reflects completion order.
func (o *Orchestrator) executeParallel(_, detached context.Context, runID string, plan []plannedAction, bus *Bus, report *Report, logger zerolog.Logger) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		perr error
	)
	recs := make([]ActionRecord, len(plan))
	for i, pa := range plan {
		wg.Add(1)
		go func(i int, pa plannedAction) {
			defer wg.Done()
			rec, err := o.executeOne(detached, runID, pa, bus, logger)
			recs[i] = rec
			if err != nil {
				mu.Lock()
				if perr == nil {
					perr = err
				}
				mu.Unlock()
			}
		}(i, pa)
	}
	wg.Wait()
	for _, rec := range recs {
		report.addAction(rec)
	}
	return perr
}

// executeOne applies one planned action and, when it mutated the target,
// records its rollback step. The step is durably appended before the action
// is reported finished; if the append fails, execution must halt and the
// returned persistence error says so.
func (o *Orchestrator) executeOne(ctx context.Context, runID string, pa plannedAction, bus *Bus, logger zerolog.Logger) (ActionRecord, error) {
	rec := ActionRecord{
		Action:    pa.name,
		Params:    pa.bound,
		StartedAt: time.Now(),
	}
	bus.Publish(Event{Type: EventActionStarted, Action: pa.name})
	logger.Info().Str("action", pa.name).Msg("Applying action")

	res, applyErr := pa.skill.Apply(ctx, pa.bound)
	rec.Duration = time.Since(rec.StartedAt)

	mutated, payload := mutationOf(res, applyErr, pa.bound)
	rec.Mutated = mutated

	var perr error
	if mutated {
		seq, err := o.rollback.Append(ctx, runID, pa.name, payload)
		if err != nil {
			perr = NewPersistenceError("failed to record rollback step", err).
				WithAction(pa.name).WithRun(runID)
			logger.Error().Err(err).Str("action", pa.name).
				Msg("Could not record rollback step; halting execution")
		} else {
			rec.StepSeq = seq
		}
	}

	switch {
	case perr != nil:
		rec.Outcome = OutcomeFailed
		rec.Error = perr.Error()
	case applyErr != nil:
		rec.Outcome = OutcomeFailed
		rec.Error = applyErr.Error()
		logger.Warn().Err(applyErr).Str("action", pa.name).Bool("mutated", mutated).
			Msg("Action failed")
		bus.Publish(Event{Type: EventError, Action: pa.name, Error: applyErr.Error()})
	default:
		rec.Outcome = OutcomeSucceeded
		logger.Info().Str("action", pa.name).Bool("mutated", mutated).
			Dur("elapsed", rec.Duration).Msg("Action applied")
	}

	o.metrics.ActionFinished(pa.name, rec.Outcome, rec.Duration)
	bus.Publish(Event{
		Type:    EventActionFinished,
		Action:  pa.name,
		StepSeq: rec.StepSeq,
		Message: string(rec.Outcome),
		Error:   rec.Error,
	})
	return rec, perr
}

// mutationOf decides whether an apply mutated the target and what the undo
// payload is. An ambiguous failure, or any failure that returned no result at
// all, is conservatively treated as a mutation with the bound parameters as a
// best-effort payload; skills keep Undo defensive for exactly this case.
func mutationOf(res *ApplyResult, applyErr error, bound BoundParams) (bool, json.RawMessage) {
	if res != nil {
		if !res.Mutated {
			return false, nil
		}
		if len(res.UndoPayload) > 0 {
			return true, res.UndoPayload
		}
		return true, bound.Raw()
	}
	if applyErr == nil {
		return false, nil
	}
	if IsAmbiguous(applyErr) || KindOf(applyErr) == "" {
		return true, bound.Raw()
	}
	return false, nil
}

// skipRemaining records every not-yet-started planned action as skipped.
func (o *Orchestrator) skipRemaining(plan []plannedAction, bus *Bus, report *Report, reason string) {
	now := time.Now()
	for _, pa := range plan {
		rec := ActionRecord{
			Action:    pa.name,
			Outcome:   OutcomeSkipped,
			StartedAt: now,
			Error:     reason,
		}
		report.addAction(rec)
		bus.Publish(Event{
			Type:    EventActionFinished,
			Action:  pa.name,
			Message: string(OutcomeSkipped),
			Error:   reason,
		})
	}
}

// setStatus advances the state machine, publishing the transition.
func (o *Orchestrator) setStatus(bus *Bus, report *Report, status ExperimentStatus, logger zerolog.Logger) {
	report.Status = status
	logger.Debug().Str("status", string(status)).Msg("State changed")
	bus.Publish(Event{Type: EventStateChanged, Status: status})
}

// failClean terminates a run that failed before any mutation could have
// happened: no rollback phase, status Failed.
func (o *Orchestrator) failClean(ctx context.Context, bus *Bus, report *Report, logger zerolog.Logger, err error) (*Report, error) {
	logger.Error().Err(err).Msg("Run failed before any mutation")
	o.finalize(ctx, bus, report, logger, stores.RunStatusFailed, StatusFailed, err)
	return report, err
}

// finalize persists the terminal status, publishes the closing events, and
// closes the bus.
func (o *Orchestrator) finalize(ctx context.Context, bus *Bus, report *Report, logger zerolog.Logger, storeStatus stores.RunStatus, status ExperimentStatus, runErr error) {
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if uerr := o.store.UpdateRunStatus(ctx, report.RunID, storeStatus, errMsg); uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to persist terminal run status")
	}

	report.finish(status, runErr)
	o.metrics.RunFinished(report.Target, status, report.CompletedAt.Sub(report.StartedAt))

	logger.Info().
		Str("status", string(status)).
		Dur("elapsed", report.CompletedAt.Sub(report.StartedAt)).
		Msg("Run finished")

	bus.Publish(Event{Type: EventStateChanged, Status: status})
	ev := Event{Type: EventCompleted, Status: status}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	bus.Publish(ev)
	bus.Close()
}

// agentUndoer resolves a rollback step's action name to the agent's skill and
// feeds it the stored payload.
type agentUndoer struct {
	agent Agent
}

func (u *agentUndoer) Undo(ctx context.Context, step *stores.RollbackStep) error {
	skill, ok := u.agent.Skill(step.Action)
	if !ok {
		return NewUndoError(fmt.Sprintf("no skill %q on agent %s", step.Action, u.agent.Name()), nil)
	}
	return skill.Undo(ctx, step.Payload)
}

// RecoveryFactory builds undoers for crashed runs by reconstructing the run's
// agent from its persisted target configuration. It satisfies
// rollback.UndoerFactory.
type RecoveryFactory struct {
	logger zerolog.Logger
}

// NewRecoveryFactory returns a factory that rebuilds agents through the
// registered agent builders.
func NewRecoveryFactory(logger zerolog.Logger) *RecoveryFactory {
	return &RecoveryFactory{logger: logger.With().Str("component", "recovery").Logger()}
}

// UndoerFor connects an agent for the crashed run's target and wraps it as an
// undoer.
func (f *RecoveryFactory) UndoerFor(ctx context.Context, run *stores.RunRecord) (rollback.Undoer, error) {
	agent, err := BuildAgent(ctx, TargetKind(run.TargetKind), run.TargetConfig)
	if err != nil {
		return nil, err
	}
	if err := agent.Connect(ctx); err != nil {
		agent.Close(ctx)
		return nil, NewConnectionError("failed to reconnect to target for recovery", err).WithRun(run.ID)
	}
	f.logger.Info().
		Str("run_id", run.ID).
		Str("target", run.TargetKind).
		Msg("Rebuilt agent for interrupted run")
	return &agentUndoer{agent: agent}, nil
}
