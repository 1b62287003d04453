// Package engine provides the core types and interfaces for the Havoc chaos
// orchestration engine. It drives a declared experiment through the
// Discover -> Plan -> Execute -> Soak -> Rollback lifecycle, capturing a
// durable rollback step for every mutation before it is treated as
// committed, and replaying those steps in strict reverse order when the
// experiment ends, is cancelled, or the process restarts after a crash.
//
// Target families (databases, Kubernetes clusters, remote hosts) plug in
// through the Agent and Skill interfaces; the engine itself never talks to
// a target directly.
package engine
