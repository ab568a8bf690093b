package emit

// Event represents an observability event emitted during workflow execution.
//
// Events provide insight into runtime behavior:
//   - Activity instance scheduling and completion
//   - Bookmark creation and resumption
//   - Faults, whether handled or not
//   - Timer registration and firing
//   - Persistence operations
type Event struct {
	// WorkflowID identifies the workflow instance that emitted this event.
	WorkflowID string

	// Turn is the execution turn (work item counter) at emission time.
	// Zero for host-level events emitted outside a turn.
	Turn int

	// ActivityID identifies the activity that emitted this event.
	// Empty string for workflow-level events.
	ActivityID string

	// Msg is a short machine-friendly description of the event,
	// e.g. "activity_closed" or "bookmark_resumed".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "instance_id": Activity instance identifier
	//   - "state": Final instance state
	//   - "bookmark": Bookmark identity
	//   - "error": Error details
	//   - "duration_ms": Elapsed time in milliseconds
	Meta map[string]interface{}
}
