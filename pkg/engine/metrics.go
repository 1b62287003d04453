package engine

import "time"

// Metrics receives engine-level measurements. Implemented by pkg/telemetry;
// a no-op implementation is used when metrics are disabled.
type Metrics interface {
	RunStarted(target TargetKind)
	RunFinished(target TargetKind, status ExperimentStatus, elapsed time.Duration)
	ActionFinished(action string, outcome ActionOutcome, elapsed time.Duration)
	RollbackStepFinished(abandoned bool)
	ScheduleSkipped(experiment string)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RunStarted(TargetKind)                                   {}
func (NopMetrics) RunFinished(TargetKind, ExperimentStatus, time.Duration) {}
func (NopMetrics) ActionFinished(string, ActionOutcome, time.Duration)     {}
func (NopMetrics) RollbackStepFinished(bool)                               {}
func (NopMetrics) ScheduleSkipped(string)                                  {}
