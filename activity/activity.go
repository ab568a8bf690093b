package activity

import (
	"fmt"
	"strings"
)

// Activity is a node in a workflow's static tree.
//
// Activities are the building blocks of workflows. Each activity:
//   - Declares its children and validates its own configuration in Metadata
//   - Starts its work in Execute, typically by scheduling children or
//     creating bookmarks
//   - Reacts to children completing, faults and bookmark resumptions through
//     the optional handler interfaces below
//
// An activity value describes behavior only. All per-activation state lives
// in the Instance and must be stored through Context.SetLocal or the property
// scope so that it survives persistence.
//
// Activities must be pointers; their identity is used to assign stable
// activity IDs when the tree is compiled.
type Activity interface {
	// Metadata declares children, extension providers and validation errors.
	// It is called exactly once per Compile.
	Metadata(md *Metadata)

	// Execute starts the activity. Returning an error faults the instance.
	Execute(ctx *Context) error
}

// Canceler is implemented by activities with custom cancellation behavior.
//
// Without it, canceling an instance cancels its children, removes its
// bookmarks and marks it canceled.
type Canceler interface {
	Cancel(ctx *Context) error
}

// Aborter is implemented by activities that must release resources when
// their instance is torn down without completing, either because an ancestor
// handled a fault raised inside it or because the workflow aborted.
type Aborter interface {
	Abort(ctx *Context, reason error)
}

// CompletionHandler receives the completion of children scheduled with a
// non-empty onCompleted stage.
type CompletionHandler interface {
	OnCompleted(ctx *Context, stage string, child *Instance) error
}

// FaultHandler receives faults raised by children scheduled with a non-empty
// onFaulted stage. Returning handled=true stops propagation; the faulted
// child subtree is then torn down and no completion is delivered for it.
type FaultHandler interface {
	OnFaulted(ctx *Context, stage string, f *Fault) (handled bool, err error)
}

// BookmarkHandler receives resumptions of bookmarks the activity created.
type BookmarkHandler interface {
	OnBookmark(ctx *Context, stage string, b Bookmark, value any) error
}

// Constrained is implemented by activities with build-time constraints over
// their static parent chain. parents[0] is the direct parent.
type Constrained interface {
	Validate(parents []Activity) error
}

// Named is implemented by activities that have a display name.
type Named interface {
	Name() string
}

// ActivityFunc adapts a plain function to a leaf activity.
//
// Example:
//
//	charge := activity.NewFunc("charge", func(ctx *activity.Context) error {
//	    return payments.Charge(ctx.WorkflowID())
//	})
type ActivityFunc struct {
	DisplayName string
	Fn          func(ctx *Context) error
}

// NewFunc returns an ActivityFunc with the given name.
func NewFunc(name string, fn func(ctx *Context) error) *ActivityFunc {
	return &ActivityFunc{DisplayName: name, Fn: fn}
}

// Name implements Named.
func (f *ActivityFunc) Name() string {
	return f.DisplayName
}

// Metadata implements Activity.
func (f *ActivityFunc) Metadata(md *Metadata) {
	if f.Fn == nil {
		md.AddValidationError("Fn is required")
	}
}

// Execute implements Activity.
func (f *ActivityFunc) Execute(ctx *Context) error {
	return f.Fn(ctx)
}

// displayName returns the name used for a in diagnostics.
func displayName(a Activity) string {
	if n, ok := a.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	t := fmt.Sprintf("%T", a)
	t = strings.TrimPrefix(t, "*")
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return t
}
