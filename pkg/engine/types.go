package engine

import (
	"encoding/json"
	"regexp"
	"time"
)

// Experiment is an immutable declaration of one chaos experiment: what to
// target, which actions to run, and how long to hold the blast radius open.
type Experiment struct {
	// Name is the human-readable experiment name.
	Name string `json:"name"`

	// Target selects the target family (and thereby the registered agent).
	Target TargetKind `json:"target"`

	// TargetConfig is the target-specific connection configuration, opaque to
	// the engine and parsed by the agent.
	TargetConfig json.RawMessage `json:"target_config,omitempty"`

	// Actions are the parameterized action requests, in declared order.
	Actions []ActionRequest `json:"actions"`

	// Duration is the hard ceiling on executing plus soaking combined.
	Duration time.Duration `json:"duration"`

	// Parallel runs all actions concurrently instead of sequentially.
	Parallel bool `json:"parallel,omitempty"`

	// ResourceFilters restricts discovered resources to those whose name
	// matches at least one of these regular expressions.
	ResourceFilters []string `json:"resource_filters,omitempty"`
}

// ActionRequest identifies an action by its registered name plus parameters.
type ActionRequest struct {
	// Name is the two-part action name, e.g. "db.table_lock".
	Name string `json:"name"`

	// Params maps parameter names to values, validated by the skill.
	Params map[string]interface{} `json:"params,omitempty"`

	// Count repeats the action this many times (default 1).
	Count int `json:"count,omitempty"`
}

// Repeat returns the effective repetition count for the request.
func (r ActionRequest) Repeat() int {
	if r.Count < 1 {
		return 1
	}
	return r.Count
}

// Resource is one addressable resource discovered on a target: a table, a
// pod, a service.
type Resource struct {
	// Type is the resource type within its family (e.g. "table", "pod").
	Type string `json:"type"`

	// Name is the resource name.
	Name string `json:"name"`

	// Labels are key-value pairs attached by the target, if any.
	Labels map[string]string `json:"labels,omitempty"`

	// Metadata is family-specific detail, opaque to the engine.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Discovery is a read-only snapshot of target topology taken once per run.
type Discovery struct {
	// Target is the family the snapshot was taken from.
	Target TargetKind `json:"target"`

	// CollectedAt is when discovery completed.
	CollectedAt time.Time `json:"collected_at"`

	// Resources are the addressable resources found.
	Resources []Resource `json:"resources"`
}

// Filter returns a copy of the discovery restricted to resources whose name
// matches at least one pattern. An empty pattern list keeps everything.
func (d *Discovery) Filter(patterns []string) (*Discovery, error) {
	if len(patterns) == 0 {
		cp := *d
		return &cp, nil
	}
	regexps := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, NewConfigError("invalid resource filter "+p, err)
		}
		regexps = append(regexps, re)
	}
	filtered := &Discovery{
		Target:      d.Target,
		CollectedAt: d.CollectedAt,
	}
	for _, r := range d.Resources {
		for _, re := range regexps {
			if re.MatchString(r.Name) {
				filtered.Resources = append(filtered.Resources, r)
				break
			}
		}
	}
	return filtered, nil
}

// ActionRecord is the execution record of one attempted action.
type ActionRecord struct {
	// Action is the action name.
	Action string `json:"action"`

	// Params are the resolved parameters the action ran with.
	Params map[string]interface{} `json:"params,omitempty"`

	// Outcome is the execution result.
	Outcome ActionOutcome `json:"outcome"`

	// Mutated indicates whether the action changed target state (and thus
	// produced a rollback step).
	Mutated bool `json:"mutated"`

	// StepSeq is the sequence number of the captured rollback step, if any.
	StepSeq int64 `json:"step_seq,omitempty"`

	// StartedAt is when the action began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the apply call took.
	Duration time.Duration `json:"duration"`

	// Error is the failure reason, if any.
	Error string `json:"error,omitempty"`
}

// Event is a timestamped progress notification. Fire-and-forget: producers
// never block on consumers.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the experiment run the event belongs to.
	RunID string `json:"run_id"`

	// Status is the run status at the time of the event, for state changes.
	Status ExperimentStatus `json:"status,omitempty"`

	// Action is the action name, for per-action events.
	Action string `json:"action,omitempty"`

	// StepSeq is the rollback step sequence number, for rollback events.
	StepSeq int64 `json:"step_seq,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message,omitempty"`

	// Error is the error text, for error events.
	Error string `json:"error,omitempty"`
}
