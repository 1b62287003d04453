package stores

import (
	"encoding/json"
	"time"
)

// RunStatus represents the persisted status of an experiment run.
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
	RunStatusRollbackFailures RunStatus = "completed_with_rollback_failures"
)

// StepStatus represents the persisted status of one rollback step.
type StepStatus string

const (
	// StepStatusPending means the step has been captured but not yet replayed.
	StepStatusPending StepStatus = "pending"

	// StepStatusApplied means the step's undo succeeded.
	StepStatusApplied StepStatus = "applied"

	// StepStatusFailed means the last undo attempt failed; the step is still
	// eligible for retry or recovery.
	StepStatusFailed StepStatus = "failed"

	// StepStatusAbandoned means undo was retried to exhaustion and requires
	// manual remediation.
	StepStatusAbandoned StepStatus = "abandoned"
)

// IsTerminal returns true once a step needs no further replay attention.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusApplied || s == StepStatusAbandoned
}

// RunRecord persists enough about an experiment run to resume its rollback
// after a crash: the target and its connection config let recovery rebuild
// an agent.
type RunRecord struct {
	ID           string          `json:"id"`
	Experiment   string          `json:"experiment"`
	TargetKind   string          `json:"target_kind"`
	TargetConfig json.RawMessage `json:"target_config,omitempty"`
	Status       RunStatus       `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Error        *string         `json:"error,omitempty"`
}

// RollbackStep is the durable pre-image needed to undo exactly one action
// execution. Steps are appended before the corresponding mutation is treated
// as committed and replayed in descending sequence order.
type RollbackStep struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Status    StepStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
