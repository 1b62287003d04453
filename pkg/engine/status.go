package engine

import (
	"encoding/json"
	"fmt"
)

// TargetKind identifies the target family an experiment runs against.
type TargetKind string

const (
	// TargetDatabase targets a SQL or document database.
	TargetDatabase TargetKind = "database"

	// TargetKubernetes targets a Kubernetes cluster.
	TargetKubernetes TargetKind = "kubernetes"

	// TargetHost targets a remote host reachable over a shell transport.
	TargetHost TargetKind = "host"
)

// Validate checks if the target kind is valid.
func (k TargetKind) Validate() error {
	switch k {
	case TargetDatabase, TargetKubernetes, TargetHost:
		return nil
	default:
		return fmt.Errorf("invalid target kind: %s", k)
	}
}

// ExperimentStatus represents the state of an experiment run.
type ExperimentStatus string

const (
	// StatusIdle indicates the run has been created but not started.
	StatusIdle ExperimentStatus = "idle"

	// StatusDiscovering indicates target topology is being enumerated.
	StatusDiscovering ExperimentStatus = "discovering"

	// StatusPlanning indicates action requests are being validated and bound.
	StatusPlanning ExperimentStatus = "planning"

	// StatusExecuting indicates actions are being applied to the target.
	StatusExecuting ExperimentStatus = "executing"

	// StatusSoaking indicates the blast radius is deliberately held open for
	// the remainder of the declared duration.
	StatusSoaking ExperimentStatus = "soaking"

	// StatusRollingBack indicates captured rollback steps are being replayed.
	StatusRollingBack ExperimentStatus = "rolling_back"

	// StatusCompleted indicates every action succeeded and every rollback
	// step was applied.
	StatusCompleted ExperimentStatus = "completed"

	// StatusFailed indicates discovery or planning failed before any
	// mutation occurred.
	StatusFailed ExperimentStatus = "failed"

	// StatusCancelled indicates a cancellation signal cut the run short;
	// rollback still ran to completion.
	StatusCancelled ExperimentStatus = "cancelled"

	// StatusCompletedWithRollbackFailures indicates the run finished but one
	// or more rollback steps were abandoned and need manual remediation.
	StatusCompletedWithRollbackFailures ExperimentStatus = "completed_with_rollback_failures"
)

// IsTerminal returns true if the status represents a final state.
func (s ExperimentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCompletedWithRollbackFailures:
		return true
	}
	return false
}

// Validate checks if the experiment status is valid.
func (s ExperimentStatus) Validate() error {
	switch s {
	case StatusIdle, StatusDiscovering, StatusPlanning, StatusExecuting,
		StatusSoaking, StatusRollingBack, StatusCompleted, StatusFailed,
		StatusCancelled, StatusCompletedWithRollbackFailures:
		return nil
	default:
		return fmt.Errorf("invalid experiment status: %s", s)
	}
}

// ActionOutcome represents the result of one attempted action execution.
type ActionOutcome string

const (
	// OutcomeSucceeded indicates the action applied cleanly.
	OutcomeSucceeded ActionOutcome = "succeeded"

	// OutcomeFailed indicates the action errored; a rollback step may still
	// have been captured if a partial mutation occurred.
	OutcomeFailed ActionOutcome = "failed"

	// OutcomeSkipped indicates the action never started because the run was
	// cancelled or execution was halted by a persistence failure.
	OutcomeSkipped ActionOutcome = "skipped"
)

// EventType represents the type of a progress notification.
type EventType string

const (
	// EventStateChanged marks a state machine transition.
	EventStateChanged EventType = "state_changed"

	// EventActionStarted marks the start of an action execution.
	EventActionStarted EventType = "action_started"

	// EventActionFinished marks the end of an action execution.
	EventActionFinished EventType = "action_finished"

	// EventRollbackStarted marks the start of the rollback phase.
	EventRollbackStarted EventType = "rollback_started"

	// EventRollbackStep marks the completion of one rollback step replay.
	EventRollbackStep EventType = "rollback_step"

	// EventError marks a non-fatal error surfaced during the run.
	EventError EventType = "error"

	// EventCompleted marks the run reaching a terminal status.
	EventCompleted EventType = "completed"
)

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExperimentStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExperimentStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExperimentStatus(str)
	return s.Validate()
}
