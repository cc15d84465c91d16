// Package telemetry provides the gateway's observability plumbing.
//
// It contains:
//   - logging.go: structured logging through slog
//   - metrics.go: Prometheus metrics fed by the bridge and the connection manager
//
// The gateway exports its metrics on /metrics.
package telemetry
