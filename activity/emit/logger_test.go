package emit

import (
	"strings"
	"testing"

	"github.com/dogmatiq/dodeca/logging"
)

func TestLoggerEmitter_WritesToLogger(t *testing.T) {
	logger := &logging.BufferedLogger{}
	emitter := NewLoggerEmitter(logger)

	emitter.Emit(Event{
		WorkflowID: "wf-001",
		Turn:       2,
		ActivityID: "1.1",
		Msg:        "fault_handled",
		Meta:       map[string]interface{}{"error": "boom"},
	})

	messages := logger.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 log message, got %d", len(messages))
	}
	got := messages[0].Message
	for _, want := range []string{"fault_handled", "wf-001", "turn 2", `"1.1"`, `"error":"boom"`} {
		if !strings.Contains(got, want) {
			t.Errorf("expected log message to contain %q, got %q", want, got)
		}
	}
}

func TestLoggerEmitter_DebugMessagesSuppressed(t *testing.T) {
	logger := &logging.BufferedLogger{}
	emitter := NewLoggerEmitter(logger, "activity_scheduled")

	emitter.Emit(Event{WorkflowID: "wf", Msg: "activity_scheduled"})
	emitter.Emit(Event{WorkflowID: "wf", Msg: "workflow_completed"})

	messages := logger.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected only the non-debug message, got %d", len(messages))
	}
	if !strings.Contains(messages[0].Message, "workflow_completed") {
		t.Errorf("unexpected message %q", messages[0].Message)
	}
}
