package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// defaultPollInterval is how often the scheduler checks for due entries.
const defaultPollInterval = 30 * time.Second

// cronParser accepts standard five-field cron expressions with an optional
// leading seconds field, plus @every and the other descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression and returns its schedule.
func ParseCron(spec string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, NewConfigError(fmt.Sprintf("invalid cron expression %q", spec), err)
	}
	return sched, nil
}

// ScheduleEntry is one recurring experiment in the daemon schedule.
type ScheduleEntry struct {
	// Experiment is the experiment to run on each firing.
	Experiment *Experiment

	// Spec is the cron expression governing firings.
	Spec string

	// Enabled gates the entry without removing it from the schedule.
	Enabled bool

	schedule cron.Schedule
}

// SchedulerConfig tunes the daemon scheduler.
type SchedulerConfig struct {
	// MaxConcurrent is the ceiling on simultaneously running experiments.
	// A firing that would exceed it is skipped (never queued) and logged.
	MaxConcurrent int

	// PollInterval is how often due entries are checked. Zero means the
	// 30-second default.
	PollInterval time.Duration
}

// Scheduler fires scheduled experiments on their cron recurrence. Entries
// are polled on a fixed interval; a firing only starts a run when the number
// of active runs is below the concurrency ceiling, otherwise the firing is
// dropped. Missed firings are never replayed.
type Scheduler struct {
	orch    *Orchestrator
	cfg     SchedulerConfig
	metrics Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	entries []ScheduleEntry

	running atomic.Int64
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler that starts runs on the given
// orchestrator.
func NewScheduler(orch *Orchestrator, cfg SchedulerConfig, metrics Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Scheduler{
		orch:    orch,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// SetEntries replaces the schedule. Every entry's cron expression is parsed
// up front; one invalid expression rejects the whole set, leaving the current
// schedule in place. Used both for initial load and for hot reload.
func (s *Scheduler) SetEntries(entries []ScheduleEntry) error {
	for i := range entries {
		sched, err := ParseCron(entries[i].Spec)
		if err != nil {
			return err
		}
		entries[i].schedule = sched
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.logger.Info().Int("entries", len(entries)).Msg("Schedule loaded")
	return nil
}

// Active returns the number of experiments currently running.
func (s *Scheduler) Active() int {
	return int(s.running.Load())
}

// Run polls the schedule until ctx is cancelled, then waits for every
// in-flight experiment to finish. Experiments in flight observe shutdown as
// a cancellation: any remaining soak is cut short and rollback runs to
// completion before Run returns, so nothing is left un-rolled-back.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Msg("Scheduler starting")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	lastCheck := time.Now()
	for {
		select {
		case now := <-ticker.C:
			s.tick(ctx, lastCheck, now)
			lastCheck = now
		case <-ctx.Done():
			s.logger.Info().
				Int64("running", s.running.Load()).
				Msg("Scheduler stopping; waiting for running experiments")
			s.wg.Wait()
			s.logger.Info().Msg("Scheduler stopped")
			return ctx.Err()
		}
	}
}

// tick starts a run for every enabled entry whose schedule fired in
// (lastCheck, now].
func (s *Scheduler) tick(ctx context.Context, lastCheck, now time.Time) {
	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()

	for i := range entries {
		entry := &entries[i]
		if !entry.Enabled {
			continue
		}
		next := entry.schedule.Next(lastCheck)
		if next.After(now) {
			continue
		}
		s.fire(ctx, entry)
	}
}

// fire starts one scheduled run unless the concurrency ceiling is reached.
func (s *Scheduler) fire(ctx context.Context, entry *ScheduleEntry) {
	for {
		current := s.running.Load()
		if current >= int64(s.cfg.MaxConcurrent) {
			s.logger.Warn().
				Str("experiment", entry.Experiment.Name).
				Int64("running", current).
				Int("max_concurrent", s.cfg.MaxConcurrent).
				Msg("Skipping scheduled firing: max concurrent experiments reached")
			s.metrics.ScheduleSkipped(entry.Experiment.Name)
			return
		}
		if s.running.CompareAndSwap(current, current+1) {
			break
		}
	}

	exp := entry.Experiment
	s.logger.Info().Str("experiment", exp.Name).Msg("Scheduled experiment starting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)

		report, err := s.orch.Run(ctx, exp)
		if err != nil {
			s.logger.Error().Err(err).
				Str("experiment", exp.Name).
				Msg("Scheduled experiment failed")
			return
		}
		s.logger.Info().
			Str("experiment", exp.Name).
			Str("run_id", report.RunID).
			Str("status", string(report.Status)).
			Msg("Scheduled experiment finished")
	}()
}
