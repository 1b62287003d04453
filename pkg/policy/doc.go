// Package policy implements the Rego-based safety gate evaluated during
// experiment planning. Built-in policies cap the blast radius (total action
// executions, soak duration) and protect explicitly marked resources;
// additional .rego files can be loaded from a directory. A denial is
// fail-closed: the experiment never executes.
package policy
