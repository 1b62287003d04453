package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/havoc-sh/havoc/pkg/engine"
)

// Gate evaluates Rego policies against an experiment and its discovery
// snapshot. It implements engine.PolicyGate.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewGate creates a gate preloaded with the built-in policies.
func NewGate(logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-gate").Logger(),
	}

	builtin := GetBuiltinPolicies()
	for i := range builtin {
		if err := g.compile(context.Background(), &builtin[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
	}

	g.logger.Info().Int("count", len(builtin)).Msg("Built-in policies loaded")
	return g, nil
}

// LoadDir compiles every .rego file in dir as an additional policy. The file
// base name (without extension) becomes the policy name; violations default
// to error severity.
func (g *Gate) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read policy directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		source, err := os.ReadFile(path)
		if err != nil {
			g.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			continue
		}
		p := &Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Severity: SeverityError,
			Enabled:  true,
			Rego:     string(source),
		}
		if err := g.compile(ctx, p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", path, err)
		}
		loaded++
	}

	g.logger.Info().Int("count", loaded).Str("dir", dir).Msg("Policies loaded")
	return nil
}

// compile prepares the policy's deny query and stores it.
func (g *Gate) compile(ctx context.Context, p *Policy) error {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(p.Rego))

	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.policies[p.Name] = &compiledPolicy{policy: p, query: prepared}
	g.mu.Unlock()

	g.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// Check implements engine.PolicyGate. Blocking violations produce a
// validation error that fails the experiment before any mutation; warnings
// are logged and let the run proceed.
func (g *Gate) Check(ctx context.Context, exp *engine.Experiment, disc *engine.Discovery) error {
	violations, err := g.Evaluate(ctx, exp, disc)
	if err != nil {
		return engine.NewValidationError("policy evaluation failed", err)
	}

	var blocking []string
	for _, v := range violations {
		if v.Severity.Blocking() {
			blocking = append(blocking, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			continue
		}
		g.logger.Warn().
			Str("policy", v.Policy).
			Str("experiment", exp.Name).
			Msg(v.Message)
	}

	if len(blocking) > 0 {
		return engine.NewValidationError(
			fmt.Sprintf("denied by policy: %s", strings.Join(blocking, "; ")), nil)
	}
	return nil
}

// Evaluate runs every enabled policy and returns all violations.
func (g *Gate) Evaluate(ctx context.Context, exp *engine.Experiment, disc *engine.Discovery) ([]Violation, error) {
	input := buildInput(exp, disc)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var violations []Violation
	for _, cp := range g.policies {
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}

		for _, result := range results {
			for _, expr := range result.Expressions {
				denySet, ok := expr.Value.([]interface{})
				if !ok {
					continue
				}
				for _, d := range denySet {
					violations = append(violations, makeViolation(cp.policy, d))
				}
			}
		}
	}

	g.logger.Debug().
		Str("experiment", exp.Name).
		Int("violations", len(violations)).
		Msg("Policy evaluation completed")

	return violations, nil
}

// buildInput flattens the experiment and discovery into the policy input
// document.
func buildInput(exp *engine.Experiment, disc *engine.Discovery) *gateInput {
	ge := gateExperiment{
		Name:            exp.Name,
		Target:          string(exp.Target),
		DurationSeconds: int64(exp.Duration.Seconds()),
		Parallel:        exp.Parallel,
	}
	for _, a := range exp.Actions {
		ge.Actions = append(ge.Actions, gateAction{Name: a.Name, Count: a.Repeat()})
		ge.TotalActions += a.Repeat()
	}

	gd := gateDiscovery{}
	if disc != nil {
		gd.ResourceCount = len(disc.Resources)
		for _, r := range disc.Resources {
			gd.Resources = append(gd.Resources, gateResource{
				Type:   r.Type,
				Name:   r.Name,
				Labels: r.Labels,
			})
		}
	}

	return &gateInput{Experiment: ge, Discovery: gd}
}

// makeViolation converts one deny result into a Violation.
func makeViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch d := result.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// extractPackageName pulls the package path out of Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "havoc.policies"
}
