// Package telemetry provides structured logging (zerolog) and Prometheus
// metrics for the engine. Metrics live in a private registry exposed through
// an optional HTTP endpoint; logging is configured once in main and flows
// through component child loggers.
package telemetry
