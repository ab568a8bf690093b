package activity

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStateMachine_Bookmarks(t *testing.T) {
	done := &State{DisplayName: "Done", Entry: write("done"), IsFinal: true}
	running := &State{
		DisplayName: "Running",
		Entry:       write("running"),
		Exit:        write("leaving running"),
		Transitions: []*Transition{{DisplayName: "stop", Trigger: wait("stop"), To: done}},
	}
	idle := &State{
		DisplayName: "Idle",
		Transitions: []*Transition{{
			DisplayName: "start",
			Trigger:     wait("start"),
			Action:      write("starting"),
			To:          running,
		}},
	}

	h := newHarness(t, &StateMachine{InitialState: idle})
	h.mustRun(nil)
	h.expectStatus(StatusIdle)
	if diff := cmp.Diff([]Bookmark{NamedBookmark("start")}, h.host.Bookmarks()); diff != "" {
		t.Fatalf("bookmarks mismatch (-want +got):\n%s", diff)
	}

	h.resume("start", nil)
	if diff := cmp.Diff([]Bookmark{NamedBookmark("stop")}, h.host.Bookmarks()); diff != "" {
		t.Fatalf("bookmarks mismatch (-want +got):\n%s", diff)
	}

	h.resume("stop", nil)
	h.expectStatus(StatusCompleted)

	want := []string{"starting", "running", "leaving running", "done"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestStateMachine_ConditionRetriesTrigger(t *testing.T) {
	open := &State{DisplayName: "Open", Entry: write("open"), IsFinal: true}
	locked := &State{
		DisplayName: "Locked",
		Transitions: []*Transition{{
			Trigger:   &WaitForBookmark{Bookmark: Literal("code"), Result: "ok"},
			Condition: Var[bool]("ok"),
			To:        open,
		}},
	}

	h := newHarness(t, &StateMachine{
		InitialState: locked,
		Variables:    []Variable{{Name: "ok", Default: Literal[any](false)}},
	})
	h.mustRun(nil)

	h.resume("code", false)
	h.expectStatus(StatusIdle)
	if diff := cmp.Diff([]Bookmark{NamedBookmark("code")}, h.host.Bookmarks()); diff != "" {
		t.Fatalf("trigger was not rescheduled (-want +got):\n%s", diff)
	}

	h.resume("code", true)
	h.expectStatus(StatusCompleted)
	if diff := cmp.Diff([]string{"open"}, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestStateMachine_CompetingTriggers(t *testing.T) {
	left := &State{DisplayName: "Left", Entry: write("left"), IsFinal: true}
	right := &State{DisplayName: "Right", Entry: write("right"), IsFinal: true}
	choose := &State{
		DisplayName: "Choose",
		Transitions: []*Transition{
			{Trigger: wait("left"), To: left},
			{Trigger: wait("right"), To: right},
		},
	}

	h := newHarness(t, &StateMachine{InitialState: choose, States: []*State{left, right}})
	h.mustRun(nil)
	h.resume("right", nil)

	h.expectStatus(StatusCompleted)
	if diff := cmp.Diff([]string{"right"}, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if len(h.host.Bookmarks()) != 0 {
		t.Errorf("bookmarks = %v, want none", h.host.Bookmarks())
	}
}

func TestStateMachine_ImmediateTransition(t *testing.T) {
	b := &State{DisplayName: "B", Entry: write("b"), IsFinal: true}
	a := &State{
		DisplayName: "A",
		Entry:       write("a"),
		Exit:        write("exit a"),
		Transitions: []*Transition{{Action: write("act"), To: b}},
	}

	h := newHarness(t, &StateMachine{InitialState: a})
	h.mustRun(nil)

	h.expectStatus(StatusCompleted)
	want := []string{"a", "exit a", "act", "b"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestStateMachine_Stuck(t *testing.T) {
	b := &State{DisplayName: "B", IsFinal: true}
	a := &State{
		DisplayName: "A",
		Transitions: []*Transition{{Condition: Literal(false), To: b}},
	}

	h := newHarness(t, &StateMachine{InitialState: a})
	err := h.run(nil)

	h.expectStatus(StatusFaulted)
	var inv *InvalidOperationError
	if !errors.As(err, &inv) {
		t.Errorf("err = %v, want InvalidOperationError", err)
	}
}

func TestStateMachine_Validation(t *testing.T) {
	final := &State{DisplayName: "F", IsFinal: true}
	bad := &State{
		DisplayName: "Bad",
		IsFinal:     true,
		Transitions: []*Transition{{To: final}},
	}
	dead := &State{DisplayName: "Dead"}
	dangling := &State{
		DisplayName: "Dangling",
		Transitions: []*Transition{nil, {DisplayName: "nowhere"}},
	}

	tests := []struct {
		name string
		sm   *StateMachine
		want int
	}{
		{"no initial state", &StateMachine{}, 1},
		{"final with transitions", &StateMachine{InitialState: bad}, 1},
		{"non-final without transitions", &StateMachine{InitialState: dead}, 1},
		{"nil and targetless transitions", &StateMachine{InitialState: dangling}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.sm)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if len(ve.Errs) != tt.want {
				t.Errorf("got %d errors, want %d: %v", len(ve.Errs), tt.want, err)
			}
		})
	}
}
