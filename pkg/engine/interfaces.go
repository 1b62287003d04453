package engine

import (
	"context"
	"encoding/json"
)

// Agent manages a collection of skills targeting one target family. One
// implementation exists per family (database, kubernetes, host), selected at
// run time by the experiment's target kind.
type Agent interface {
	// Kind returns the target family this agent serves.
	Kind() TargetKind

	// Name returns a human-readable agent name.
	Name() string

	// Connect establishes connectivity to the target and verifies access.
	Connect(ctx context.Context) error

	// Discover enumerates the target's addressable resources. Read-only and
	// safe to call multiple times.
	Discover(ctx context.Context) (*Discovery, error)

	// Skills returns every skill this agent can perform.
	Skills() []Skill

	// Skill looks up a skill by its registered name.
	Skill(name string) (Skill, bool)

	// Close releases connections. Safe to call after a failed Connect.
	Close(ctx context.Context) error
}

// SkillDescriptor describes a skill.
type SkillDescriptor struct {
	// Name is the stable two-part name, "<family>.<action>".
	Name string `json:"name"`

	// Description is a one-line human-readable summary.
	Description string `json:"description"`

	// Target is the family the skill operates on.
	Target TargetKind `json:"target"`

	// Mutating indicates whether applying the skill changes target state.
	// Non-mutating skills (load generators, probes) produce no rollback step.
	Mutating bool `json:"mutating"`
}

// BoundParams are validated, resolved parameters ready for Apply.
type BoundParams map[string]interface{}

// Raw returns the bound parameters as JSON, used as the best-effort undo
// payload when an apply fails ambiguously.
func (p BoundParams) Raw() json.RawMessage {
	raw, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// ApplyResult is the outcome of applying a skill.
type ApplyResult struct {
	// Mutated reports whether target state changed. Skills must set this
	// truthfully even on partial failure: it decides whether a rollback step
	// is captured.
	Mutated bool `json:"mutated"`

	// UndoPayload is the opaque pre-image needed to undo the mutation,
	// meaningful only to the skill that produced it. Required when Mutated.
	UndoPayload json.RawMessage `json:"undo_payload,omitempty"`

	// Output is optional skill-specific result data surfaced in the report.
	Output json.RawMessage `json:"output,omitempty"`
}

// Skill is a single parameterized chaos action against a target, possibly
// mutating. Implementations must make Undo defensive: it may be invoked for
// a mutation that only partially happened, or (after an ambiguous apply
// failure) with the bound parameters as payload instead of a real pre-image.
type Skill interface {
	// Descriptor returns the skill's metadata.
	Descriptor() SkillDescriptor

	// Validate checks params against the discovery snapshot and returns the
	// bound parameters, or a validation-kind error. Runs before any action
	// executes; a failure fails the whole experiment fail-closed.
	Validate(params map[string]interface{}, disc *Discovery) (BoundParams, error)

	// Apply executes the action. On error, a non-nil result with Mutated set
	// tells the orchestrator whether a partial mutation occurred; a nil
	// result with an ambiguous error is conservatively treated as mutated.
	Apply(ctx context.Context, bound BoundParams) (*ApplyResult, error)

	// Undo reverses a previously applied mutation described by payload.
	Undo(ctx context.Context, payload json.RawMessage) error
}

// PolicyGate is an optional safety check evaluated during planning, after
// parameter binding. A non-nil error (validation kind) fails the experiment
// before any mutation occurs.
type PolicyGate interface {
	Check(ctx context.Context, exp *Experiment, disc *Discovery) error
}
