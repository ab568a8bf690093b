package activity

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dshills/activityflow/activity/store"
)

func approvalWorkflow() Activity {
	return &Sequence{Activities: []Activity{
		write("submitted"),
		&WaitForBookmark{Bookmark: Literal("approve"), Result: "answer"},
		&WriteLine{Text: Format("answer=%v", Var[any]("answer"))},
	}}
}

func TestHost_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()

	h := newHarness(t, approvalWorkflow(), WithStore(st), WithOutputs("answer"))
	h.mustRun(map[string]any{"answer": ""})
	h.expectStatus(StatusIdle)

	if err := h.host.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	ids, err := st.ListByStatus(ctx, string(StatusIdle))
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if diff := cmp.Diff([]string{"wf-test"}, ids); diff != "" {
		t.Errorf("idle workflows mismatch (-want +got):\n%s", diff)
	}
	_ = h.host.Close()

	var out bytes.Buffer
	loaded, err := Load(ctx, h.program, st, "wf-test", WithOutput(&out), WithManualTimers(), WithOutputs("answer"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer func() { _ = loaded.Close() }()

	if loaded.Status() != StatusIdle {
		t.Fatalf("status = %s, want Idle", loaded.Status())
	}
	if diff := cmp.Diff([]Bookmark{NamedBookmark("approve")}, loaded.Bookmarks()); diff != "" {
		t.Fatalf("bookmarks mismatch (-want +got):\n%s", diff)
	}

	r, err := loaded.ResumeNamed(ctx, "approve", "granted")
	if err != nil || r != ResumeSuccess {
		t.Fatalf("ResumeNamed = %s, %v", r, err)
	}
	if loaded.Status() != StatusCompleted {
		t.Fatalf("status = %s, want Completed (err: %v)", loaded.Status(), loaded.Err())
	}
	if out.String() != "answer=granted\n" {
		t.Errorf("output = %q", out.String())
	}
	if diff := cmp.Diff(map[string]any{"answer": "granted"}, loaded.Outputs()); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}

	if err := loaded.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	snap, _, err := st.LoadLatest(ctx, "wf-test")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Errorf("persisted status = %s, want Completed", snap.Status)
	}
}

func TestHost_RestoreTimers(t *testing.T) {
	ctx := context.Background()
	root := &Sequence{Activities: []Activity{
		write("before"),
		&Delay{Duration: Literal(time.Minute)},
		write("after"),
	}}

	h := newHarness(t, root)
	h.mustRun(nil)
	if h.host.Timers().Len() != 1 {
		t.Fatalf("timers = %d, want 1", h.host.Timers().Len())
	}

	snap, err := h.host.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	var out bytes.Buffer
	restored, err := Restore(h.program, snap, WithOutput(&out), WithManualTimers(), WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer func() { _ = restored.Close() }()

	if diff := cmp.Diff(h.host.Timers().Entries(), restored.Timers().Entries()); diff != "" {
		t.Fatalf("restored timers mismatch (-want +got):\n%s", diff)
	}

	h.clock.Advance(time.Minute)
	if n, err := restored.FireDueTimers(ctx); err != nil || n != 1 {
		t.Fatalf("FireDueTimers = %d, %v", n, err)
	}
	if restored.Status() != StatusCompleted {
		t.Fatalf("status = %s, want Completed", restored.Status())
	}
	if out.String() != "after\n" {
		t.Errorf("output = %q, want %q", out.String(), "after\n")
	}
}

func TestHost_RestoreCompensation(t *testing.T) {
	ctx := context.Background()
	root := &Sequence{Activities: []Activity{
		compensable("A"),
		compensable("B"),
		wait("hold"),
	}}

	h := newHarness(t, root)
	h.mustRun(nil)
	snap, err := h.host.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	var out bytes.Buffer
	restored, err := Restore(h.program, snap, WithOutput(&out), WithManualTimers())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer func() { _ = restored.Close() }()

	if err := restored.Cancel(ctx); !errors.Is(err, ErrWorkflowCanceled) {
		t.Fatalf("Cancel = %v, want ErrWorkflowCanceled", err)
	}
	if out.String() != "undo B\nundo A\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestHost_RestoreMismatch(t *testing.T) {
	h := newHarness(t, approvalWorkflow())
	h.mustRun(nil)
	snap, err := h.host.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	other := MustCompile(write("unrelated"))
	_, err = Restore(other, snap, WithManualTimers())

	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != "SNAPSHOT_MISMATCH" {
		t.Errorf("err = %v, want SNAPSHOT_MISMATCH", err)
	}
}

func TestHost_PersistWithoutStore(t *testing.T) {
	h := newHarness(t, write("x"))
	var ee *EngineError
	if err := h.host.Persist(context.Background()); !errors.As(err, &ee) || ee.Code != "NO_STORE" {
		t.Errorf("err = %v, want NO_STORE", err)
	}
}

func TestHost_Checkpoint(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	h := newHarness(t, approvalWorkflow(), WithStore(st))
	h.mustRun(map[string]any{"answer": ""})

	if err := h.host.SaveCheckpoint(ctx, "before-approval"); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	snap, _, err := st.LoadCheckpoint(ctx, "before-approval")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if snap.WorkflowID != "wf-test" || len(snap.Bookmarks) != 1 {
		t.Errorf("checkpoint = %s with %d bookmarks", snap.WorkflowID, len(snap.Bookmarks))
	}
}

func TestHost_Closed(t *testing.T) {
	h := newHarness(t, wait("x"))
	_ = h.host.Close()

	var ee *EngineError
	if err := h.run(nil); !errors.As(err, &ee) || ee.Code != "HOST_CLOSED" {
		t.Errorf("Run after Close = %v, want HOST_CLOSED", err)
	}
}

func TestHost_TimerGoroutine(t *testing.T) {
	program := MustCompile(&Sequence{Activities: []Activity{
		&Delay{Duration: Literal(10 * time.Millisecond)},
		write("fired"),
	}})

	var out bytes.Buffer
	h, err := NewHost(program, WithOutput(&out))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer func() { _ = h.Close() }()

	if err := h.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.String() != "fired\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestInvoke(t *testing.T) {
	t.Run("waits for timers", func(t *testing.T) {
		var out bytes.Buffer
		_, err := Invoke(context.Background(), &Sequence{Activities: []Activity{
			&Delay{Duration: Literal(5 * time.Millisecond)},
			write("done"),
		}}, nil, WithOutput(&out))
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if out.String() != "done\n" {
			t.Errorf("output = %q", out.String())
		}
	})

	t.Run("idle without timers", func(t *testing.T) {
		_, err := Invoke(context.Background(), wait("never"), nil)
		if !errors.Is(err, ErrWorkflowIdle) {
			t.Errorf("err = %v, want ErrWorkflowIdle", err)
		}
	})

	t.Run("fault", func(t *testing.T) {
		_, err := Invoke(context.Background(), throw(ClassArithmetic, "x"), nil)
		var fe *FaultError
		if !errors.As(err, &fe) {
			t.Errorf("err = %v, want FaultError", err)
		}
	})

	t.Run("outputs", func(t *testing.T) {
		out, err := Invoke(context.Background(),
			&Assign{To: "total", Value: increment("total")},
			map[string]any{"total": 41},
			WithOutputs("total", "missing"))
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if diff := cmp.Diff(map[string]any{"total": 42}, out); diff != "" {
			t.Errorf("outputs mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestInvokeAll(t *testing.T) {
	inputs := []map[string]any{{"n": 1}, {"n": 2}, {"n": 3}}
	outputs, err := InvokeAll(context.Background(),
		&Assign{To: "n", Value: func(ctx *Context) (any, error) {
			n, err := Var[int]("n")(ctx)
			return n * 10, err
		}},
		inputs,
		WithOutputs("n"), WithOutput(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("InvokeAll: %v", err)
	}

	want := []map[string]any{{"n": 10}, {"n": 20}, {"n": 30}}
	if diff := cmp.Diff(want, outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestOptions(t *testing.T) {
	program := MustCompile(write("x"))

	tests := []struct {
		name string
		opt  Option
	}{
		{"negative max turns", WithMaxTurns(-1)},
		{"nil clock", WithClock(nil)},
		{"empty workflow id", WithWorkflowID("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHost(program, tt.opt); err == nil {
				t.Error("expected error")
			}
		})
	}

	t.Run("duplicate extension", func(t *testing.T) {
		_, err := NewHost(program,
			WithExtension(NewTimerExtension(nil)),
			WithExtension(NewTimerExtension(nil)))
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "DUPLICATE_EXTENSION" {
			t.Errorf("err = %v, want DUPLICATE_EXTENSION", err)
		}
	})
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	h := newHarness(t, &Sequence{Activities: []Activity{
		&TryCatch{
			Try:     throw(classIO, "x"),
			Catches: []*Catch{{Class: classIO}},
		},
		wait("go"),
	}}, WithMetrics(metrics))
	h.mustRun(nil)
	h.resume("go", nil)
	h.resume("go", nil)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	if got := counterValue(families, "activityflow_faults_total", "outcome", "handled"); got != 1 {
		t.Errorf("handled faults = %v, want 1", got)
	}
	if got := counterValue(families, "activityflow_bookmark_resumes_total", "result", "Success"); got != 1 {
		t.Errorf("successful resumes = %v, want 1", got)
	}
	if got := counterValue(families, "activityflow_bookmark_resumes_total", "result", "NotFound"); got != 1 {
		t.Errorf("missed resumes = %v, want 1", got)
	}
	if got := counterValue(families, "activityflow_instances_total", "state", "Closed"); got == 0 {
		t.Error("expected closed instances to be counted")
	}
}

func counterValue(families []*dto.MetricFamily, name, label, value string) float64 {
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// twoDoors waits on two bookmarks and closes the second when the first is
// resumed.
type twoDoors struct {
	delivered []string
}

func (d *twoDoors) Metadata(*Metadata) {}

func (d *twoDoors) Execute(ctx *Context) error {
	for _, name := range []string{"first", "second"} {
		if _, err := ctx.CreateBookmark(name, name, BookmarkBlocking); err != nil {
			return err
		}
	}
	return nil
}

func (d *twoDoors) OnBookmark(ctx *Context, stage string, _ Bookmark, _ any) error {
	d.delivered = append(d.delivered, stage)
	if stage == "first" {
		ctx.RemoveBookmark(NamedBookmark("second"))
	}
	return nil
}

func TestHost_ResumeLostBeforeDelivery(t *testing.T) {
	tests := []struct {
		name   string
		then   []Activity
		status Status
	}{
		{"bookmark removed by earlier work", []Activity{wait("hold")}, StatusIdle},
		{"workflow ended first", nil, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doors := &twoDoors{}
			h := newHarness(t, &Sequence{Activities: append([]Activity{doors}, tt.then...)})
			h.mustRun(nil)

			// A canceled context leaves the first resumption queued.
			stopped, cancel := context.WithCancel(context.Background())
			cancel()
			r, err := h.host.ResumeNamed(stopped, "first", nil)
			if r != ResumeSuccess || !errors.Is(err, context.Canceled) {
				t.Fatalf("first = %s, %v; want Success, context.Canceled", r, err)
			}

			r, err = h.host.ResumeNamed(context.Background(), "second", nil)
			if err != nil {
				t.Fatalf("second: %v", err)
			}
			if r != ResumeNotFound {
				t.Errorf("second = %s, want NotFound", r)
			}
			h.expectStatus(tt.status)
			if diff := cmp.Diff([]string{"first"}, doors.delivered); diff != "" {
				t.Errorf("delivered mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
