// Package config loads and validates experiment and daemon configuration
// from YAML files. Definitions are validated structurally (required fields,
// enums, positive durations) at load time, before they reach the engine;
// target-specific configuration stays opaque and is passed through to the
// agent unparsed.
package config
