// Package telemetry provides observability for the drift engine: structured
// logging via zerolog, Prometheus metrics, OpenTelemetry tracing, and an
// asynchronous notification event dispatcher.
//
// Event emission is fire-and-forget by contract: a drift detection, policy
// block, or reconciliation result is reported to subscribers on a best-effort
// basis and can never fail the operation that produced it.
package telemetry
