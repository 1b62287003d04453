package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// AgentBuilder constructs an agent for a target from its opaque connection
// configuration.
type AgentBuilder func(ctx context.Context, targetConfig json.RawMessage) (Agent, error)

var (
	buildersMu sync.RWMutex
	builders   = make(map[TargetKind]AgentBuilder)
)

// RegisterAgentBuilder makes an agent implementation available for a target
// kind. Intended to be called from target-family packages at init time, in
// the manner of database/sql driver registration. Registering twice for the
// same kind panics.
func RegisterAgentBuilder(kind TargetKind, builder AgentBuilder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if builder == nil {
		panic("engine: RegisterAgentBuilder builder is nil")
	}
	if _, dup := builders[kind]; dup {
		panic(fmt.Sprintf("engine: RegisterAgentBuilder called twice for kind %s", kind))
	}
	builders[kind] = builder
}

// BuildAgent constructs an agent for the given kind, or a config-kind error
// if no builder is registered.
func BuildAgent(ctx context.Context, kind TargetKind, targetConfig json.RawMessage) (Agent, error) {
	buildersMu.RLock()
	builder, ok := builders[kind]
	buildersMu.RUnlock()
	if !ok {
		return nil, NewConfigError(fmt.Sprintf("no agent registered for target kind %q", kind), nil)
	}
	return builder(ctx, targetConfig)
}

// RegisteredKinds returns the target kinds with a registered agent builder,
// sorted for stable output.
func RegisteredKinds() []TargetKind {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	kinds := make([]TargetKind, 0, len(builders))
	for k := range builders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
