// Package rollback maintains the durable undo log for experiment runs and
// replays it when a run ends or when the process restarts after a crash.
//
// Every step is written to the store before the mutation it undoes is treated
// as committed, so the log can only over-approximate the damage, never miss
// it. Replay walks the open steps in descending sequence order (last applied,
// first undone), retries each step with backoff, and marks steps that exhaust
// their retries as abandoned so an operator can remediate them by hand.
package rollback
