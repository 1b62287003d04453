package policy

// Severity classifies a policy violation.
type Severity string

const (
	// SeverityWarning is surfaced in logs but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity denies the experiment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego policy with its metadata. The Rego module must define a
// `deny` set whose elements are objects with "message" and optional
// "severity" keys.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a one-line summary.
	Description string `json:"description"`

	// Severity is the default severity for violations that don't set one.
	Severity Severity `json:"severity"`

	// Enabled gates the policy without removing it.
	Enabled bool `json:"enabled"`

	// Rego is the policy source.
	Rego string `json:"rego"`
}

// Violation is one policy denial or warning.
type Violation struct {
	// Policy is the name of the policy that fired.
	Policy string `json:"policy"`

	// Severity is the violation severity.
	Severity Severity `json:"severity"`

	// Message is the human-readable reason.
	Message string `json:"message"`
}

// gateInput is the document policies evaluate against.
type gateInput struct {
	Experiment gateExperiment `json:"experiment"`
	Discovery  gateDiscovery  `json:"discovery"`
}

type gateExperiment struct {
	Name            string       `json:"name"`
	Target          string       `json:"target"`
	DurationSeconds int64        `json:"duration_seconds"`
	Parallel        bool         `json:"parallel"`
	TotalActions    int          `json:"total_actions"`
	Actions         []gateAction `json:"actions"`
}

type gateAction struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type gateDiscovery struct {
	ResourceCount int            `json:"resource_count"`
	Resources     []gateResource `json:"resources"`
}

type gateResource struct {
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}
