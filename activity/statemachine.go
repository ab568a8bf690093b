package activity

import (
	"fmt"
	"slices"
	"strconv"
)

// State is a state of a StateMachine.
type State struct {
	DisplayName string

	// Entry runs when the state is entered, before its triggers start.
	Entry Activity

	// Exit runs when a transition leaves the state.
	Exit Activity

	Transitions []*Transition

	// IsFinal states complete the state machine once Entry has run.
	IsFinal bool
}

// Transition moves a StateMachine from one state to another.
//
// Transitions of a state that share a Trigger are evaluated in declaration
// order when the trigger completes; the first whose Condition holds (or has
// no Condition) is taken. When none holds the trigger runs again. A nil
// Trigger fires as soon as the state has been entered.
type Transition struct {
	DisplayName string
	Trigger     Activity
	Condition   Expr[bool]
	Action      Activity
	To          *State
}

// TriggerCompletedEvent records a trigger that completed while the state
// machine was busy.
type TriggerCompletedEvent struct {
	// Bookmark identifies the state entry the trigger belongs to.
	Bookmark  string `json:"bookmark"`
	TriggerID int    `json:"triggerID"`
}

// EventManager serializes transition evaluation. A trigger completion is
// only processed while its state entry is active and no other transition is
// being processed; otherwise it is queued, or dropped once its state has
// been left.
type EventManager struct {
	Queue        []TriggerCompletedEvent `json:"queue,omitempty"`
	Active       []string                `json:"active,omitempty"`
	OnTransition bool                    `json:"onTransition,omitempty"`
}

func (m *EventManager) isActive(key string) bool {
	return slices.Contains(m.Active, key)
}

// stateMachineState is kept in the instance locals.
type stateMachineState struct {
	State      int          `json:"state"`
	Gen        int          `json:"gen"`
	Phase      string       `json:"phase"`
	Transition int          `json:"transition"`
	Events     EventManager `json:"events"`
}

func (s *stateMachineState) key() string {
	return strconv.Itoa(s.State) + ":" + strconv.Itoa(s.Gen)
}

// StateMachine runs a set of states connected by transitions, starting at
// InitialState, until a final state is reached.
type StateMachine struct {
	DisplayName  string
	InitialState *State

	// States lists the states of the machine. States reachable from
	// InitialState do not need to be listed.
	States    []*State
	Variables []Variable

	states   []*State
	index    map[*State]int
	triggers [][]Activity
}

func (sm *StateMachine) Name() string { return sm.DisplayName }

func (sm *StateMachine) Metadata(md *Metadata) {
	validateVariables(md, sm.Variables)

	sm.states = nil
	sm.index = map[*State]int{}
	sm.triggers = nil

	if sm.InitialState == nil {
		md.AddValidationError("InitialState is required")
		return
	}

	add := func(s *State) {
		if s == nil {
			return
		}
		if _, ok := sm.index[s]; !ok {
			sm.index[s] = len(sm.states)
			sm.states = append(sm.states, s)
		}
	}
	add(sm.InitialState)
	for _, s := range sm.States {
		add(s)
	}
	for i := 0; i < len(sm.states); i++ {
		for _, t := range sm.states[i].Transitions {
			if t != nil {
				add(t.To)
			}
		}
	}

	for _, s := range sm.states {
		switch {
		case s.IsFinal && len(s.Transitions) > 0:
			md.AddValidationError("final state %q has transitions", s.DisplayName)
		case !s.IsFinal && len(s.Transitions) == 0:
			md.AddValidationError("state %q is not final and has no transitions", s.DisplayName)
		}

		md.AddChild(s.Entry, s.Exit)

		var groups []Activity
		for i, t := range s.Transitions {
			if t == nil {
				md.AddValidationError("state %q: transition %d is nil", s.DisplayName, i)
				continue
			}
			if t.To == nil {
				md.AddValidationError("state %q: transition %q has no target state", s.DisplayName, t.DisplayName)
			}
			if !containsTrigger(groups, t.Trigger) {
				groups = append(groups, t.Trigger)
			}
			md.AddChild(t.Trigger, t.Action)
		}
		sm.triggers = append(sm.triggers, groups)
	}
}

func containsTrigger(groups []Activity, a Activity) bool {
	for _, g := range groups {
		if g == a || (isNil(g) && isNil(a)) {
			return true
		}
	}
	return false
}

func (sm *StateMachine) Execute(ctx *Context) error {
	if err := declareVariables(ctx, sm.Variables); err != nil {
		return err
	}
	st := &stateMachineState{}
	return sm.enter(ctx, st, sm.index[sm.InitialState])
}

func (sm *StateMachine) load(ctx *Context) *stateMachineState {
	st := &stateMachineState{}
	ctx.GetLocal("sm", st)
	return st
}

func (sm *StateMachine) save(ctx *Context, st *stateMachineState) {
	ctx.SetLocal("sm", st)
}

func (sm *StateMachine) enter(ctx *Context, st *stateMachineState, state int) error {
	st.State = state
	st.Gen++
	st.Events = EventManager{Active: []string{st.key()}}
	st.Phase = "entry"

	s := sm.states[state]
	ctx.Emit("state_entered", map[string]any{"state": s.DisplayName})

	if isNil(s.Entry) {
		return sm.afterEntry(ctx, st)
	}
	sm.save(ctx, st)
	_, err := ctx.ScheduleActivity(s.Entry, "entry", "")
	return err
}

func (sm *StateMachine) afterEntry(ctx *Context, st *stateMachineState) error {
	s := sm.states[st.State]
	st.Phase = "triggers"

	if s.IsFinal {
		st.Events.Active = nil
		sm.save(ctx, st)
		return nil
	}

	immediate := -1
	for k, trig := range sm.triggers[st.State] {
		if isNil(trig) {
			immediate = k
			continue
		}
		if err := sm.scheduleTrigger(ctx, st, k); err != nil {
			return err
		}
	}

	if immediate >= 0 {
		return sm.onEvent(ctx, st, TriggerCompletedEvent{Bookmark: st.key(), TriggerID: immediate})
	}
	sm.save(ctx, st)
	return nil
}

func (sm *StateMachine) scheduleTrigger(ctx *Context, st *stateMachineState, k int) error {
	stage := fmt.Sprintf("trigger:%s:%d", st.key(), k)
	_, err := ctx.ScheduleActivity(sm.triggers[st.State][k], stage, "")
	return err
}

func (sm *StateMachine) OnCompleted(ctx *Context, stage string, _ *Instance) error {
	if ctx.IsCancellationRequested() {
		return nil
	}

	st := sm.load(ctx)
	switch stage {
	case "entry":
		return sm.afterEntry(ctx, st)
	case "exit":
		return sm.runAction(ctx, st)
	case "action":
		t := sm.states[st.State].Transitions[st.Transition]
		return sm.enter(ctx, st, sm.index[t.To])
	}

	var state, gen, k int
	if _, err := fmt.Sscanf(stage, "trigger:%d:%d:%d", &state, &gen, &k); err != nil {
		return fmt.Errorf("state machine: bad stage %q: %w", stage, err)
	}
	ev := TriggerCompletedEvent{Bookmark: strconv.Itoa(state) + ":" + strconv.Itoa(gen), TriggerID: k}
	if err := sm.onEvent(ctx, st, ev); err != nil {
		return err
	}
	return sm.continueExit(ctx, sm.load(ctx))
}

func (sm *StateMachine) onEvent(ctx *Context, st *stateMachineState, ev TriggerCompletedEvent) error {
	switch {
	case !st.Events.isActive(ev.Bookmark):
		sm.save(ctx, st)
		return nil
	case st.Events.OnTransition:
		st.Events.Queue = append(st.Events.Queue, ev)
		sm.save(ctx, st)
		return nil
	}

	for {
		taken, err := sm.process(ctx, st, ev)
		if err != nil || taken {
			return err
		}
		if len(st.Events.Queue) == 0 {
			break
		}
		ev = st.Events.Queue[0]
		st.Events.Queue = st.Events.Queue[1:]
		if !st.Events.isActive(ev.Bookmark) {
			continue
		}
	}

	sm.save(ctx, st)
	if len(ctx.Children()) == 0 {
		return invalidOp("StateMachine", "no transition of state %q can fire", sm.states[st.State].DisplayName)
	}
	return nil
}

// process evaluates the transitions of one trigger. It reports whether a
// transition was taken.
func (sm *StateMachine) process(ctx *Context, st *stateMachineState, ev TriggerCompletedEvent) (bool, error) {
	st.Events.OnTransition = true
	defer func() { st.Events.OnTransition = false }()

	s := sm.states[st.State]
	trig := sm.triggers[st.State][ev.TriggerID]

	for i, t := range s.Transitions {
		if t == nil || !(t.Trigger == trig || (isNil(t.Trigger) && isNil(trig))) {
			continue
		}
		ok := true
		if t.Condition != nil {
			var err error
			if ok, err = t.Condition.Eval(ctx); err != nil {
				return false, err
			}
		}
		if !ok {
			continue
		}

		ctx.Emit("transition_taken", map[string]any{
			"from":       s.DisplayName,
			"to":         t.To.DisplayName,
			"transition": t.DisplayName,
		})
		st.Transition = i
		st.Phase = "exiting"
		st.Events.Active = nil
		st.Events.Queue = nil
		sm.save(ctx, st)
		ctx.CancelChildren()
		return true, sm.continueExit(ctx, st)
	}

	if !isNil(trig) {
		return false, sm.scheduleTrigger(ctx, st, ev.TriggerID)
	}
	return false, nil
}

// continueExit runs the Exit activity once every trigger of the state being
// left has completed.
func (sm *StateMachine) continueExit(ctx *Context, st *stateMachineState) error {
	if st.Phase != "exiting" || len(ctx.Children()) > 0 {
		return nil
	}

	st.Phase = "exit"
	sm.save(ctx, st)

	s := sm.states[st.State]
	if isNil(s.Exit) {
		return sm.runAction(ctx, st)
	}
	_, err := ctx.ScheduleActivity(s.Exit, "exit", "")
	return err
}

func (sm *StateMachine) runAction(ctx *Context, st *stateMachineState) error {
	st.Phase = "action"
	sm.save(ctx, st)

	t := sm.states[st.State].Transitions[st.Transition]
	if isNil(t.Action) {
		return sm.enter(ctx, st, sm.index[t.To])
	}
	_, err := ctx.ScheduleActivity(t.Action, "action", "")
	return err
}
