// Package emit provides tracing and diagnostic sinks for workflow execution.
package emit

// Emitter receives and processes observability events from workflow execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, structured loggers
//   - Distributed tracing: OpenTelemetry
//   - Testing: in-memory capture with history queries
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down the execution turn
//   - Thread-safe: Separate workflow instances may share one emitter
//   - Resilient: Handle failures internally, never panic
//
// Emitting is fire-and-forget. The runtime never changes control flow based
// on what an emitter does, and a nil emitter disables tracing entirely.
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}
