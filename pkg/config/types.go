package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for Go duration strings
// ("30s", "5m", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ActionConfig is one action invocation in an experiment definition.
type ActionConfig struct {
	// Name is the two-part action name, "<family>.<action>".
	Name string `yaml:"name" validate:"required"`

	// Params are action parameters, validated by the skill at plan time.
	Params map[string]interface{} `yaml:"params,omitempty"`

	// Count repeats the action this many times (default 1).
	Count int `yaml:"count,omitempty" validate:"omitempty,min=1"`
}

// ExperimentConfig is one experiment definition as written in YAML.
type ExperimentConfig struct {
	// Name is the experiment name.
	Name string `yaml:"name" validate:"required"`

	// Target is the target family: database, kubernetes, or host.
	Target string `yaml:"target" validate:"required,oneof=database kubernetes host"`

	// TargetConfig is the target-specific connection configuration, passed
	// through to the agent unparsed.
	TargetConfig map[string]interface{} `yaml:"target_config,omitempty"`

	// Actions are the action invocations, in declared order.
	Actions []ActionConfig `yaml:"actions" validate:"required,min=1,dive"`

	// Duration is the hard ceiling on executing plus soaking combined.
	Duration Duration `yaml:"duration" validate:"required"`

	// Parallel runs all actions concurrently instead of sequentially.
	Parallel bool `yaml:"parallel,omitempty"`

	// ResourceFilters restricts discovered resources to those matching at
	// least one of these regular expressions.
	ResourceFilters []string `yaml:"resource_filters,omitempty"`
}

// File is the top-level experiment file: one or more experiment definitions.
type File struct {
	Experiments []ExperimentConfig `yaml:"experiments" validate:"required,min=1,dive"`
}

// ScheduledExperiment pairs an experiment with its cron recurrence for
// daemon mode.
type ScheduledExperiment struct {
	// Experiment is the experiment to run on each firing.
	Experiment ExperimentConfig `yaml:"experiment" validate:"required"`

	// Schedule is the cron expression, e.g. "*/30 * * * *".
	Schedule string `yaml:"schedule" validate:"required"`

	// Enabled gates the entry; defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled resolves the enabled flag with its default.
func (s *ScheduledExperiment) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DaemonSettings tunes the daemon process.
type DaemonSettings struct {
	// MaxConcurrent caps simultaneously running experiments (default 2).
	MaxConcurrent int `yaml:"max_concurrent,omitempty" validate:"omitempty,min=1"`

	// MetricsBind is the listen address for the Prometheus metrics endpoint.
	// Empty disables the endpoint.
	MetricsBind string `yaml:"metrics_bind,omitempty"`

	// PolicyDir is a directory of additional .rego policy files to load.
	PolicyDir string `yaml:"policy_dir,omitempty"`
}

// DaemonConfig is the daemon schedule file.
type DaemonConfig struct {
	Experiments []ScheduledExperiment `yaml:"experiments" validate:"required,min=1,dive"`
	Settings    DaemonSettings        `yaml:"settings,omitempty"`
}
