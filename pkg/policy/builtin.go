package policy

// GetBuiltinPolicies returns the policies compiled into every gate.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		blastRadiusPolicy(),
		soakCeilingPolicy(),
		protectedResourcesPolicy(),
	}
}

// blastRadiusPolicy caps the total number of action executions per run.
func blastRadiusPolicy() Policy {
	return Policy{
		Name:        "blast-radius",
		Description: "Caps the total number of action executions in one experiment",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package havoc.policies.blast_radius

import rego.v1

max_total_actions := 25

deny contains violation if {
	input.experiment.total_actions > max_total_actions
	violation := {
		"message": sprintf(
			"experiment '%s' requests %d action executions, ceiling is %d",
			[input.experiment.name, input.experiment.total_actions, max_total_actions],
		),
		"severity": "error",
	}
}
`,
	}
}

// soakCeilingPolicy caps how long the blast radius may be held open.
func soakCeilingPolicy() Policy {
	return Policy{
		Name:        "soak-ceiling",
		Description: "Caps experiment duration so a blast radius cannot stay open indefinitely",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package havoc.policies.soak_ceiling

import rego.v1

max_duration_seconds := 3600

deny contains violation if {
	input.experiment.duration_seconds > max_duration_seconds
	violation := {
		"message": sprintf(
			"experiment '%s' declares a %ds duration, ceiling is %ds",
			[input.experiment.name, input.experiment.duration_seconds, max_duration_seconds],
		),
		"severity": "error",
	}
}
`,
	}
}

// protectedResourcesPolicy denies experiments whose discovery snapshot
// includes resources explicitly marked off-limits.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Denies runs whose discovered scope includes resources labeled havoc.sh/protected",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package havoc.policies.protected_resources

import rego.v1

deny contains violation if {
	some r in input.discovery.resources
	r.labels["havoc.sh/protected"] == "true"
	violation := {
		"message": sprintf(
			"discovered resource '%s' (%s) is labeled protected; narrow the resource filters",
			[r.name, r.type],
		),
		"severity": "error",
	}
}
`,
	}
}
