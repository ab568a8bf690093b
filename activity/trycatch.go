package activity

import (
	"errors"
	"fmt"
)

// FaultProperty is the property under which TryCatch exposes the caught
// fault, as a FaultRecord, to the running Catch action.
const FaultProperty = "$activityflow.fault"

// Catch handles faults of Class and its subclasses.
type Catch struct {
	Class *ErrorClass

	// Action runs with the caught fault in scope. A nil Action discards the
	// fault.
	Action Activity
}

// TryCatch runs Try. A fault raised inside Try is matched against Catches
// by class: an exact match wins, otherwise the catch for the nearest
// ancestor class. Finally runs after Try or the chosen Catch action
// completes, and is not interrupted by a cancellation of the TryCatch.
type TryCatch struct {
	DisplayName string
	Try         Activity
	Catches     []*Catch
	Finally     Activity
}

func (t *TryCatch) Name() string { return t.DisplayName }

func (t *TryCatch) Metadata(md *Metadata) {
	md.AddChild(t.Try)

	seen := map[*ErrorClass]bool{}
	for i, c := range t.Catches {
		switch {
		case c == nil:
			md.AddValidationError("catch %d is nil", i)
			continue
		case c.Class == nil:
			md.AddValidationError("catch %d has no Class", i)
		case seen[c.Class]:
			md.AddValidationError("duplicate catch for %s", c.Class.Name())
		}
		seen[c.Class] = true
		md.AddChild(c.Action)
	}

	md.AddChild(t.Finally)
}

func (t *TryCatch) Execute(ctx *Context) error {
	if isNil(t.Try) {
		return t.runFinally(ctx)
	}
	_, err := ctx.ScheduleActivity(t.Try, "try", "try")
	return err
}

func (t *TryCatch) Cancel(ctx *Context) error {
	if ctx.BoolLocal("suppressCancel") {
		return nil
	}
	if len(ctx.Children()) == 0 {
		return ctx.MarkCanceled()
	}
	ctx.CancelChildren()
	return nil
}

func (t *TryCatch) OnCompleted(ctx *Context, stage string, _ *Instance) error {
	switch stage {
	case "try":
		if i := ctx.IntLocal("pendingCatch"); i > 0 {
			return t.runCatch(ctx, t.Catches[i-1])
		}
		return t.runFinally(ctx)
	case "catch":
		return t.runFinally(ctx)
	default:
		return t.done(ctx)
	}
}

// OnFaulted claims faults of Try that a Catch matches. The Try subtree is
// then canceled, and the Catch runs once it has completed.
func (t *TryCatch) OnFaulted(ctx *Context, stage string, f *Fault) (bool, error) {
	if stage != "try" {
		// A fault from Catch or Finally propagates, and the outer
		// cancellation request applies again.
		ctx.SetLocal("suppressCancel", false)
		return false, nil
	}

	if ctx.IsCancellationRequested() || f.Source.IsCancellationRequested() || ctx.IntLocal("pendingCatch") > 0 {
		ctx.Emit("try_fault_while_canceling", map[string]any{"error": f.Err.Error()})
		ctx.Abort(fmt.Errorf("fault while canceling %s: %w", ctx.ActivityID(), f.Err))
		return true, nil
	}

	i := t.findCatch(f.Class())
	if i < 0 {
		return false, nil
	}
	c := t.Catches[i]

	ctx.SetLocal("pendingCatch", i+1)
	ctx.SetLocal("fault", f.Record())
	ctx.Emit("catch_matched", map[string]any{"class": c.Class.Name(), "fault_class": f.Class().Name()})
	return true, nil
}

func (t *TryCatch) runCatch(ctx *Context, c *Catch) error {
	var rec FaultRecord
	ctx.GetLocal("fault", &rec)
	ctx.SetLocal("pendingCatch", 0)

	if ctx.IsCancellationRequested() || isNil(c.Action) {
		return t.runFinally(ctx)
	}
	ctx.Properties().Add(FaultProperty, rec)
	_, err := ctx.ScheduleActivity(c.Action, "catch", "catch")
	return err
}

// findCatch returns the index of the catch for cls or its nearest ancestor
// class, or -1.
func (t *TryCatch) findCatch(cls *ErrorClass) int {
	for x := cls; x != nil; x = x.Parent() {
		for i, c := range t.Catches {
			if c != nil && c.Class == x {
				return i
			}
		}
	}
	return -1
}

func (t *TryCatch) hasCatchAction(a Activity) bool {
	for _, c := range t.Catches {
		if c != nil && c.Action == a {
			return true
		}
	}
	return false
}

func (t *TryCatch) runFinally(ctx *Context) error {
	ctx.SetLocal("suppressCancel", true)
	if isNil(t.Finally) {
		return t.done(ctx)
	}
	_, err := ctx.ScheduleActivity(t.Finally, "finally", "finally")
	return err
}

func (t *TryCatch) done(ctx *Context) error {
	ctx.Properties().Remove(FaultProperty)
	if ctx.IsCancellationRequested() {
		return ctx.MarkCanceled()
	}
	return nil
}

// Throw raises the error produced by Error.
type Throw struct {
	DisplayName string
	Error       Expr[error]
}

func (t *Throw) Name() string { return t.DisplayName }

func (t *Throw) Metadata(md *Metadata) {
	if t.Error == nil {
		md.AddValidationError("Error is required")
	}
}

func (t *Throw) Execute(ctx *Context) error {
	err, evalErr := t.Error.Eval(ctx)
	if evalErr != nil {
		return evalErr
	}
	if err == nil {
		return invalidOp("Throw", "activity %s produced a nil error", ctx.ActivityID())
	}
	return err
}

// Rethrow raises the fault being handled by the enclosing Catch action.
type Rethrow struct {
	DisplayName string
}

func (r *Rethrow) Name() string { return r.DisplayName }

func (r *Rethrow) Metadata(*Metadata) {}

// Validate requires a Catch action of some TryCatch on the parent chain.
func (r *Rethrow) Validate(parents []Activity) error {
	var below Activity = r
	for _, p := range parents {
		if tc, ok := p.(*TryCatch); ok && tc.hasCatchAction(below) {
			return nil
		}
		below = p
	}
	return errors.New("must be inside the action of a Catch")
}

func (r *Rethrow) Execute(ctx *Context) error {
	v, ok := ctx.Lookup(FaultProperty)
	if !ok {
		return invalidOp("Rethrow", "no fault is being handled")
	}
	rec, err := convert[FaultRecord](v)
	if err != nil {
		return err
	}
	return rec.ToError()
}
