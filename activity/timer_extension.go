package activity

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// TimerExtension owns the durable timer table of a workflow instance. Every
// host registers one unless the caller supplies its own.
type TimerExtension struct {
	table *TimerTable

	mu       sync.Mutex
	onChange func()
}

// NewTimerExtension returns a timer extension whose table uses now as its
// clock. A nil now means time.Now.
func NewTimerExtension(now func() time.Time) *TimerExtension {
	return &TimerExtension{table: NewTimerTable(now)}
}

// Table returns the underlying timer table.
func (t *TimerExtension) Table() *TimerTable {
	return t.table
}

// RegisterTimer registers a timer that resumes b after d.
func (t *TimerExtension) RegisterTimer(d time.Duration, b Bookmark) {
	t.table.AddTimer(d, b)
	t.changed()
}

// CancelTimer removes the timer for b.
func (t *TimerExtension) CancelTimer(b Bookmark) {
	t.table.RemoveTimer(b)
	t.changed()
}

func (t *TimerExtension) bookmarkRemoved(b Bookmark) {
	if t.table.Contains(b) {
		t.CancelTimer(b)
	}
}

func (t *TimerExtension) setOnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

func (t *TimerExtension) changed() {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// CollectValues implements PersistenceParticipant.
func (t *TimerExtension) CollectValues() (map[string]any, error) {
	return map[string]any{"timers": t.table.Entries()}, nil
}

// PublishValues implements PersistenceParticipant.
func (t *TimerExtension) PublishValues(values map[string]json.RawMessage) error {
	raw, ok := values["timers"]
	if !ok {
		return nil
	}

	var entries []TimerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("restore timers: %w", err)
	}
	t.table.Load(entries)
	t.changed()
	return nil
}
