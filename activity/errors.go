package activity

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrBookmarkExists is returned by CreateBookmark when a bookmark with the
// same name is already registered in the workflow instance.
var ErrBookmarkExists = errors.New("bookmark already exists")

// ErrBookmarkNotFound indicates that a bookmark is not (or no longer)
// registered.
var ErrBookmarkNotFound = errors.New("bookmark not found")

// ErrNotChild is returned when an activity schedules something that is not
// one of its declared children.
var ErrNotChild = errors.New("activity is not a declared child of the scheduling activity")

// ErrUndeclaredVariable is returned when an activity assigns to a name that
// no enclosing scope declares.
var ErrUndeclaredVariable = errors.New("undeclared variable")

// ErrMaxTurnsExceeded indicates that a run reached the maximum number of
// work items without going idle or completing.
var ErrMaxTurnsExceeded = errors.New("execution exceeded maximum turns limit")

// ErrWorkflowCanceled is reported by a host whose root activity ended in the
// Canceled state.
var ErrWorkflowCanceled = errors.New("workflow canceled")

// ErrWorkflowAborted is wrapped by the error of an aborted workflow.
var ErrWorkflowAborted = errors.New("workflow aborted")

// ErrWorkflowIdle is returned by Invoke when the workflow suspended on a
// bookmark that nothing inside the invocation can resume.
var ErrWorkflowIdle = errors.New("workflow is idle with no pending timers")

// ErrNotRunnable is returned when an operation requires a workflow that has
// not yet reached a terminal state.
var ErrNotRunnable = errors.New("workflow is not runnable")

// EngineError represents an error from host and executor operations.
type EngineError struct {
	Message string
	Code    string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ValidationError lists every problem found while compiling an activity tree.
type ValidationError struct {
	Errs []error
}

func newValidationError(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Errs: multierr.Errors(err)}
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("workflow validation failed with %d error(s): %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error {
	return e.Errs
}

// ActivityValidationError is a single validation problem attributed to an
// activity.
type ActivityValidationError struct {
	ActivityID string
	Activity   string
	Message    string
}

func (e *ActivityValidationError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Activity, e.ActivityID, e.Message)
}

// FaultError is the terminal error of a workflow that ended with an
// unhandled fault. It wraps the original error together with the identity of
// the activity that raised it.
type FaultError struct {
	WorkflowID string
	ActivityID string
	InstanceID int64
	Err        error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("workflow %s: unhandled fault in activity %s (instance %d): %v",
		e.WorkflowID, e.ActivityID, e.InstanceID, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// InvalidOperationError signals a protocol violation, such as compensating a
// token in the wrong state or resuming a bookmark that does not exist.
//
// It belongs to ClassInvalidOperation so it can be caught by TryCatch.
type InvalidOperationError struct {
	Op      string
	Message string
}

func (e *InvalidOperationError) Error() string {
	return "invalid operation " + e.Op + ": " + e.Message
}

// ErrorClass implements Classed.
func (e *InvalidOperationError) ErrorClass() *ErrorClass {
	return ClassInvalidOperation
}

func invalidOp(op, format string, args ...any) error {
	return &InvalidOperationError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// PanicError wraps a value recovered from a panicking activity.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("activity panicked: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
