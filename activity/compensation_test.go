package activity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func compensable(name string) *CompensableActivity {
	return &CompensableActivity{
		DisplayName:         name,
		Body:                write("do " + name),
		CompensationHandler: write("undo " + name),
		ConfirmationHandler: write("confirm " + name),
	}
}

func TestCompensation_CancelCompensatesInReverse(t *testing.T) {
	h := newHarness(t, &Sequence{Activities: []Activity{
		compensable("A"),
		compensable("B"),
		compensable("C"),
		wait("hold"),
	}})
	h.mustRun(nil)
	h.expectStatus(StatusIdle)

	if err := h.host.Cancel(context.Background()); !errors.Is(err, ErrWorkflowCanceled) {
		t.Fatalf("Cancel = %v, want ErrWorkflowCanceled", err)
	}
	h.expectStatus(StatusCanceled)

	want := []string{"do A", "do B", "do C", "undo C", "undo B", "undo A"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestCompensation_ConfirmOnCompletion(t *testing.T) {
	h := newHarness(t, &Sequence{Activities: []Activity{
		compensable("A"),
		compensable("B"),
	}})
	h.mustRun(nil)

	h.expectStatus(StatusCompleted)
	want := []string{"do A", "do B", "confirm B", "confirm A"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestCompensation_ExplicitTarget(t *testing.T) {
	a := compensable("A")
	a.Result = "tokenA"
	target := Var[CompensationToken]("tokenA")

	h := newHarness(t, &Sequence{
		Variables: []Variable{{Name: "tokenA"}},
		Activities: []Activity{
			a,
			compensable("B"),
			&Compensate{Target: target},
			&Compensate{Target: target},
			write("end"),
		},
	})
	h.mustRun(nil)

	h.expectStatus(StatusCompleted)
	want := []string{"do A", "do B", "undo A", "end", "confirm B"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestCompensation_ConfirmAfterCompensate(t *testing.T) {
	a := compensable("A")
	a.Result = "tokenA"
	target := Var[CompensationToken]("tokenA")

	h := newHarness(t, &Sequence{
		Variables: []Variable{{Name: "tokenA"}},
		Activities: []Activity{
			a,
			&Compensate{Target: target},
			&TryCatch{
				Try:     &Confirm{Target: target},
				Catches: []*Catch{{Class: ClassInvalidOperation, Action: write("invalid")}},
			},
		},
	})
	h.mustRun(nil)

	h.expectStatus(StatusCompleted)
	want := []string{"do A", "undo A", "invalid"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestCompensation_UnhandledWrongState(t *testing.T) {
	a := compensable("A")
	a.Result = "tokenA"
	target := Var[CompensationToken]("tokenA")

	h := newHarness(t, &Sequence{
		Variables: []Variable{{Name: "tokenA"}},
		Activities: []Activity{
			a,
			&Confirm{Target: target},
			&Compensate{Target: target},
		},
	})
	err := h.run(nil)

	h.expectStatus(StatusFaulted)
	var inv *InvalidOperationError
	if !errors.As(err, &inv) || inv.Op != "Compensate" {
		t.Errorf("err = %v, want InvalidOperationError from Compensate", err)
	}
}

func TestCompensation_DefaultHandlerCompensatesChildren(t *testing.T) {
	outer := &CompensableActivity{
		DisplayName: "outer",
		Body: &Sequence{Activities: []Activity{
			compensable("inner1"),
			compensable("inner2"),
		}},
	}

	h := newHarness(t, &Sequence{Activities: []Activity{outer, wait("hold")}})
	h.mustRun(nil)
	_ = h.host.Cancel(context.Background())

	h.expectStatus(StatusCanceled)
	want := []string{"do inner1", "do inner2", "undo inner2", "undo inner1"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestCompensation_CancelWhileRunning(t *testing.T) {
	h := newHarness(t, &CompensableActivity{
		DisplayName:         "booking",
		Body:                wait("hold"),
		CancellationHandler: write("cancel handler"),
		CompensationHandler: write("never"),
	})
	h.mustRun(nil)
	_ = h.host.Cancel(context.Background())

	h.expectStatus(StatusCanceled)
	if diff := cmp.Diff([]string{"cancel handler"}, h.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestCompensation_Validation(t *testing.T) {
	t.Run("ambient compensate outside a compensable activity", func(t *testing.T) {
		_, err := Compile(&Sequence{Activities: []Activity{&Compensate{}, &Confirm{}}})
		var ve *ValidationError
		if !errors.As(err, &ve) || len(ve.Errs) != 2 {
			t.Errorf("err = %v, want two validation errors", err)
		}
	})

	t.Run("ambient compensate inside a handler", func(t *testing.T) {
		_, err := Compile(&CompensableActivity{
			Body:                write("x"),
			CompensationHandler: &Sequence{Activities: []Activity{write("custom"), &Compensate{}}},
		})
		if err != nil {
			t.Errorf("Compile: %v", err)
		}
	})

	t.Run("root is wrapped", func(t *testing.T) {
		p, err := Compile(compensable("A"))
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if _, ok := p.Root().(*workflowCompensationBehavior); !ok {
			t.Errorf("root = %T, want the workflow compensation scope", p.Root())
		}
	})
}

func TestCompensationToken_Lifecycle(t *testing.T) {
	ext := NewCompensationExtension()

	tok, err := ext.create(rootTokenID, "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tok.State != TokenActive {
		t.Fatalf("state = %s, want Active", tok.State)
	}

	var inv *InvalidOperationError
	if err := ext.fire(tok, triggerConfirm); !errors.As(err, &inv) {
		t.Errorf("confirm while Active = %v, want InvalidOperationError", err)
	}

	if err := ext.completed(tok); err != nil {
		t.Fatalf("completed: %v", err)
	}
	root, _ := ext.Token(rootTokenID)
	if diff := cmp.Diff([]int64{tok.ID}, root.ExecutionTracker); diff != "" {
		t.Errorf("tracker mismatch (-want +got):\n%s", diff)
	}

	for _, trig := range []tokenTrigger{triggerCompensate, triggerFinish} {
		if err := ext.fire(tok, trig); err != nil {
			t.Fatalf("fire %s: %v", trig, err)
		}
	}
	ext.retire(tok)

	if state, ok := ext.Retired(tok.ID); !ok || state != TokenCompensated {
		t.Errorf("retired state = %s, %v; want Compensated", state, ok)
	}
	if len(root.ExecutionTracker) != 0 {
		t.Errorf("tracker = %v, want empty", root.ExecutionTracker)
	}

	if _, err := ext.create(42, "orphan"); !errors.As(err, &inv) {
		t.Errorf("create under unknown parent = %v, want InvalidOperationError", err)
	}
}
