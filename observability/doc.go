// Package observability provides an OpenTelemetry metrics extension.
// MetricsExtension implements the lifecycle hooks and records
// system-wide counters for job creation, completion, retries, dead
// letters, suspension, unacquired leases, timer promotions and history
// failures.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
