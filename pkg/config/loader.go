package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/havoc-sh/havoc/pkg/engine"
)

var validate = validator.New()

// LoadFile reads and validates an experiment file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("cannot read %s", path), err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid YAML in %s", path), err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid experiment file %s", path), err)
	}
	for i := range f.Experiments {
		if err := checkExperiment(&f.Experiments[i]); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// LoadDaemonFile reads and validates a daemon schedule file, including every
// cron expression.
func LoadDaemonFile(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("cannot read %s", path), err)
	}

	var dc DaemonConfig
	if err := yaml.Unmarshal(data, &dc); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid YAML in %s", path), err)
	}
	if err := validate.Struct(&dc); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid daemon config %s", path), err)
	}
	if dc.Settings.MaxConcurrent == 0 {
		dc.Settings.MaxConcurrent = 2
	}
	for i := range dc.Experiments {
		se := &dc.Experiments[i]
		if _, err := engine.ParseCron(se.Schedule); err != nil {
			return nil, err
		}
		if err := checkExperiment(&se.Experiment); err != nil {
			return nil, err
		}
	}
	return &dc, nil
}

// checkExperiment applies the constraints the validate tags cannot express.
func checkExperiment(ec *ExperimentConfig) error {
	if ec.Duration <= 0 {
		return engine.NewConfigError(
			fmt.Sprintf("experiment %q: duration must be positive", ec.Name), nil)
	}
	if err := engine.TargetKind(ec.Target).Validate(); err != nil {
		return engine.NewConfigError(fmt.Sprintf("experiment %q", ec.Name), err)
	}
	return nil
}

// ToExperiment converts a validated definition into the engine's experiment
// type. The target configuration is re-encoded as JSON for the agent.
func (ec *ExperimentConfig) ToExperiment() (*engine.Experiment, error) {
	var targetConfig json.RawMessage
	if ec.TargetConfig != nil {
		raw, err := json.Marshal(ec.TargetConfig)
		if err != nil {
			return nil, engine.NewConfigError(
				fmt.Sprintf("experiment %q: cannot encode target config", ec.Name), err)
		}
		targetConfig = raw
	}

	actions := make([]engine.ActionRequest, 0, len(ec.Actions))
	for _, a := range ec.Actions {
		actions = append(actions, engine.ActionRequest{
			Name:   a.Name,
			Params: a.Params,
			Count:  a.Count,
		})
	}

	return &engine.Experiment{
		Name:            ec.Name,
		Target:          engine.TargetKind(ec.Target),
		TargetConfig:    targetConfig,
		Actions:         actions,
		Duration:        ec.Duration.Std(),
		Parallel:        ec.Parallel,
		ResourceFilters: ec.ResourceFilters,
	}, nil
}

// ScheduleEntries converts a daemon config into scheduler entries.
func (dc *DaemonConfig) ScheduleEntries() ([]engine.ScheduleEntry, error) {
	entries := make([]engine.ScheduleEntry, 0, len(dc.Experiments))
	for i := range dc.Experiments {
		se := &dc.Experiments[i]
		exp, err := se.Experiment.ToExperiment()
		if err != nil {
			return nil, err
		}
		entries = append(entries, engine.ScheduleEntry{
			Experiment: exp,
			Spec:       se.Schedule,
			Enabled:    se.IsEnabled(),
		})
	}
	return entries, nil
}
