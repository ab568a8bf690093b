package activity

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/dshills/activityflow/activity/emit"
)

// harness runs one workflow with manual timers and captured output.
type harness struct {
	t       *testing.T
	host    *Host
	out     *bytes.Buffer
	events  *emit.BufferedEmitter
	clock   *fakeClock
	program *Program
}

func newHarness(t *testing.T, root Activity, opts ...Option) *harness {
	t.Helper()

	program, err := Compile(root)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	h := &harness{
		t:       t,
		out:     &bytes.Buffer{},
		events:  emit.NewBufferedEmitter(),
		clock:   newFakeClock(),
		program: program,
	}

	opts = append([]Option{
		WithOutput(h.out),
		WithEmitter(h.events),
		WithClock(h.clock.Now),
		WithManualTimers(),
		WithWorkflowID("wf-test"),
	}, opts...)

	host, err := NewHost(program, opts...)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })
	h.host = host
	return h
}

func (h *harness) run(inputs map[string]any) error {
	h.t.Helper()
	return h.host.Run(context.Background(), inputs)
}

func (h *harness) mustRun(inputs map[string]any) {
	h.t.Helper()
	if err := h.run(inputs); err != nil {
		h.t.Fatalf("Run: %v", err)
	}
}

func (h *harness) resume(name string, value any) ResumeResult {
	h.t.Helper()
	r, err := h.host.ResumeNamed(context.Background(), name, value)
	if err != nil {
		h.t.Fatalf("ResumeNamed(%s): %v", name, err)
	}
	return r
}

func (h *harness) lines() []string {
	s := strings.TrimSuffix(h.out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func (h *harness) expectStatus(want Status) {
	h.t.Helper()
	if got := h.host.Status(); got != want {
		h.t.Fatalf("status = %s, want %s (err: %v)", got, want, h.host.Err())
	}
}

func (h *harness) messages() []string {
	return h.events.Messages("wf-test")
}

func write(text string) *WriteLine {
	return &WriteLine{Text: Literal(text)}
}

func wait(name string) *WaitForBookmark {
	return &WaitForBookmark{Bookmark: Literal(name)}
}
