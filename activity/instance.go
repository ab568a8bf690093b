package activity

import (
	"encoding/json"
	"fmt"
)

// InstanceState is the lifecycle state of an activity instance.
type InstanceState int

const (
	// StateExecuting is the state of every live instance.
	StateExecuting InstanceState = iota

	// StateClosed means the instance completed normally.
	StateClosed

	// StateCanceled means cancellation was requested and the activity
	// acknowledged it with MarkCanceled.
	StateCanceled

	// StateFaulted means the instance raised a fault or was torn down while
	// an ancestor handled one.
	StateFaulted
)

var stateNames = [...]string{"Executing", "Closed", "Canceled", "Faulted"}

func (s InstanceState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("InstanceState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s InstanceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *InstanceState) UnmarshalText(text []byte) error {
	for i, n := range stateNames {
		if n == string(text) {
			*s = InstanceState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown instance state %q", text)
}

// Instance is one runtime activation of an activity.
//
// The executor owns every instance. Parents hold their children in schedule
// order; a child stays in its parent's list until its completion has been
// delivered, so a parent can never complete ahead of a child.
type Instance struct {
	id          int64
	node        *node
	state       InstanceState
	parent      *Instance
	children    []*Instance
	onCompleted string
	onFaulted   string

	started         bool
	cancelRequested bool
	markedCanceled  bool
	secondary       bool

	// blocking counts the blocking bookmarks the instance owns.
	blocking int

	locals map[string]json.RawMessage
	props  map[string]any
	err    error
}

// ID returns the workflow-unique instance ID.
func (i *Instance) ID() int64 {
	return i.id
}

// ActivityID returns the compiled ID of the instance's activity.
func (i *Instance) ActivityID() string {
	return i.node.id
}

// Activity returns the activity this instance executes.
func (i *Instance) Activity() Activity {
	return i.node.activity
}

// State returns the current lifecycle state.
func (i *Instance) State() InstanceState {
	return i.state
}

// Err returns the error that faulted the instance, if any.
func (i *Instance) Err() error {
	return i.err
}

// IsCancellationRequested reports whether cancellation was requested.
func (i *Instance) IsCancellationRequested() bool {
	return i.cancelRequested
}

// GetLocal decodes the instance-local value stored under key into dst. It
// reports false if no value is stored. Parents use it to read results a child
// left behind.
func (i *Instance) GetLocal(key string, dst any) bool {
	raw, ok := i.locals[key]
	if !ok {
		return false
	}
	must(json.Unmarshal(raw, dst))
	return true
}

func (i *Instance) setLocal(key string, v any) {
	raw, err := json.Marshal(v)
	must(err)
	if i.locals == nil {
		i.locals = map[string]json.RawMessage{}
	}
	i.locals[key] = raw
}

func (i *Instance) removeChild(c *Instance) {
	for n, x := range i.children {
		if x == c {
			i.children = append(i.children[:n], i.children[n+1:]...)
			return
		}
	}
}

// localsPanic wraps an encoding error raised by must so that the executor
// turns it into a fault of the instance that caused it.
type localsPanic struct {
	cause error
}

func must(err error) {
	if err != nil {
		panic(localsPanic{err})
	}
}
