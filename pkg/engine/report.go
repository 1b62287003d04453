package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/havoc-sh/havoc/pkg/rollback"
	"github.com/havoc-sh/havoc/pkg/stores"
)

// Report is the complete post-run summary of one experiment run.
type Report struct {
	// RunID is the unique run identifier.
	RunID string `json:"run_id"`

	// Experiment is the experiment name.
	Experiment string `json:"experiment"`

	// Target is the target family the run executed against.
	Target TargetKind `json:"target"`

	// Status is the terminal run status.
	Status ExperimentStatus `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached its terminal status.
	CompletedAt time.Time `json:"completed_at"`

	// Discovered is the number of resources discovery found after filtering.
	Discovered int `json:"discovered"`

	// Actions are the per-action execution records, in completion order.
	Actions []ActionRecord `json:"actions"`

	// RollbackSteps are the per-step replay results, in replay (descending
	// sequence) order.
	RollbackSteps []rollback.StepResult `json:"rollback_steps,omitempty"`

	// Undone is the number of rollback steps applied.
	Undone int `json:"undone"`

	// Abandoned is the number of rollback steps that exhausted their retries
	// and need manual remediation.
	Abandoned int `json:"abandoned"`

	// Error is the run-level failure reason, if any.
	Error string `json:"error,omitempty"`

	mu sync.Mutex
}

// addAction appends an action record. Safe for concurrent use during
// parallel execution.
func (r *Report) addAction(rec ActionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Actions = append(r.Actions, rec)
}

// applyRollback folds a replay summary into the report.
func (r *Report) applyRollback(s *rollback.ReplaySummary) {
	r.RollbackSteps = s.Steps
	r.Undone = s.Undone
	r.Abandoned = s.Abandoned
}

// finish stamps the terminal status and completion time.
func (r *Report) finish(status ExperimentStatus, err error) {
	r.Status = status
	r.CompletedAt = time.Now()
	if err != nil {
		r.Error = err.Error()
	}
}

// Succeeded reports whether every action applied and every rollback step was
// undone.
func (r *Report) Succeeded() bool {
	return r.Status == StatusCompleted
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= time.Minute {
		mins := int(d.Minutes())
		secs := d - time.Duration(mins)*time.Minute
		return fmt.Sprintf("%dm %.1fs", mins, secs.Seconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// String renders the report as an operator-facing text summary.
func (r *Report) String() string {
	bar := strings.Repeat("=", 72)
	thin := strings.Repeat("-", 72)

	var b strings.Builder

	fmt.Fprintf(&b, "\n%s\n", bar)
	fmt.Fprintf(&b, "  EXPERIMENT REPORT\n")
	fmt.Fprintf(&b, "%s\n\n", bar)

	fmt.Fprintf(&b, "  Name:     %s\n", r.Experiment)
	fmt.Fprintf(&b, "  Run:      %s\n", r.RunID)
	fmt.Fprintf(&b, "  Target:   %s\n", r.Target)
	fmt.Fprintf(&b, "  Status:   %s\n", r.Status)
	fmt.Fprintf(&b, "  Duration: %s\n", formatDuration(r.CompletedAt.Sub(r.StartedAt)))
	if r.Error != "" {
		fmt.Fprintf(&b, "  Error:    %s\n", r.Error)
	}

	fmt.Fprintf(&b, "\n%s\n", thin)
	fmt.Fprintf(&b, "  ACTIONS (%d, %d resources discovered)\n", len(r.Actions), r.Discovered)
	fmt.Fprintf(&b, "%s\n\n", thin)
	if len(r.Actions) == 0 {
		fmt.Fprintf(&b, "  (none)\n")
	} else {
		fmt.Fprintf(&b, "  %-4s %-25s %-10s %s\n", "#", "ACTION", "RESULT", "DURATION")
		for i, a := range r.Actions {
			fmt.Fprintf(&b, "  %-4d %-25s %-10s %s\n",
				i+1, a.Action, strings.ToUpper(string(a.Outcome)), formatDuration(a.Duration))
			if a.Error != "" {
				fmt.Fprintf(&b, "       -> %s\n", a.Error)
			}
		}
	}

	fmt.Fprintf(&b, "\n%s\n", thin)
	fmt.Fprintf(&b, "  ROLLBACK (%d steps, %d undone, %d abandoned)\n",
		len(r.RollbackSteps), r.Undone, r.Abandoned)
	fmt.Fprintf(&b, "%s\n\n", thin)
	if len(r.RollbackSteps) == 0 {
		fmt.Fprintf(&b, "  (none)\n")
	} else {
		fmt.Fprintf(&b, "  %-6s %-25s %-10s %s\n", "SEQ", "ACTION", "RESULT", "ATTEMPTS")
		for _, s := range r.RollbackSteps {
			result := "OK"
			if s.Status != stores.StepStatusApplied {
				result = strings.ToUpper(string(s.Status))
			}
			fmt.Fprintf(&b, "  %-6d %-25s %-10s %d\n", s.Seq, s.Action, result, s.Attempts)
			if s.Err != nil {
				fmt.Fprintf(&b, "       -> %s\n", s.Err)
			}
		}
	}

	if r.Abandoned > 0 {
		fmt.Fprintf(&b, "\n%s\n", thin)
		fmt.Fprintf(&b, "  MANUAL REMEDIATION REQUIRED\n")
		fmt.Fprintf(&b, "%s\n\n", thin)
		fmt.Fprintf(&b, "  The following steps could not be undone automatically. The target\n")
		fmt.Fprintf(&b, "  may still carry their effects; inspect and revert them by hand.\n\n")
		for _, s := range r.RollbackSteps {
			if s.Status != stores.StepStatusAbandoned {
				continue
			}
			fmt.Fprintf(&b, "  seq %d  %s", s.Seq, s.Action)
			if s.Err != nil {
				fmt.Fprintf(&b, "  (%s)", s.Err)
			}
			fmt.Fprintf(&b, "\n")
		}
	}

	fmt.Fprintf(&b, "\n%s\n", thin)
	fmt.Fprintf(&b, "  TIMELINE\n")
	fmt.Fprintf(&b, "%s\n\n", thin)
	fmt.Fprintf(&b, "  Started:    %s\n", r.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "  Completed:  %s\n", r.CompletedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "  Total:      %s\n", formatDuration(r.CompletedAt.Sub(r.StartedAt)))

	fmt.Fprintf(&b, "\n%s\n", bar)

	return b.String()
}
