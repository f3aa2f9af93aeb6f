// Package telemetry emits the step lifecycle event surface: step start/end,
// memory snapshots, issued action requests, per-action execution results and
// final answers. Events are recorded as OpenTelemetry spans and mirrored to
// the structured logger, so the package works with or without a configured
// tracer backend (the otel no-op provider applies by default).
//
// Emission never blocks step correctness; the exact transport and schema are
// owned by whatever exporter the host application installs.
package telemetry
