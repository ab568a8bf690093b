package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are grouped by workflow ID so a test or a monitoring page can
// query the execution history of one workflow instance.
//
// Warning: This emitter keeps every event. Long-running hosts should Clear
// the history of workflows they no longer need.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	host, _ := activity.NewHost(program, activity.WithEmitter(emitter))
//	_ = host.Run(ctx, nil)
//
//	closed := emitter.GetHistoryWithFilter(host.ID(), emit.HistoryFilter{Msg: "activity_closed"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	ActivityID string // Filter by activity ID (empty = no filter)
	Msg        string // Filter by message (empty = no filter)
	MinTurn    *int   // Minimum turn number (nil = no filter)
	MaxTurn    *int   // Maximum turn number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// GetHistory returns a copy of all events for workflowID in emission order.
func (b *BufferedEmitter) GetHistory(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns the events for workflowID that match filter,
// in emission order. The result is never nil.
func (b *BufferedEmitter) GetHistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[workflowID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

// Messages returns the Msg field of every event for workflowID, in order.
func (b *BufferedEmitter) Messages(workflowID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	msgs := make([]string, 0, len(events))
	for _, e := range events {
		msgs = append(msgs, e.Msg)
	}
	return msgs
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.ActivityID != "" && event.ActivityID != filter.ActivityID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinTurn != nil && event.Turn < *filter.MinTurn {
		return false
	}
	if filter.MaxTurn != nil && event.Turn > *filter.MaxTurn {
		return false
	}
	return true
}

// Clear removes stored events. An empty workflowID clears everything.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
