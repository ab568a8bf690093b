package activity

import (
	"time"
)

// Assign sets the declared variable To to the value of Value.
type Assign struct {
	DisplayName string
	To          string
	Value       Expr[any]
}

func (a *Assign) Name() string { return a.DisplayName }

func (a *Assign) Metadata(md *Metadata) {
	if a.To == "" {
		md.AddValidationError("To is required")
	}
}

func (a *Assign) Execute(ctx *Context) error {
	v, err := a.Value.Eval(ctx)
	if err != nil {
		return err
	}
	return ctx.Assign(a.To, v)
}

// WriteLine writes Text to the workflow's TextWriterExtension.
type WriteLine struct {
	DisplayName string
	Text        Expr[string]
}

func (w *WriteLine) Name() string { return w.DisplayName }

func (w *WriteLine) Metadata(*Metadata) {}

func (w *WriteLine) Execute(ctx *Context) error {
	text, err := w.Text.Eval(ctx)
	if err != nil {
		return err
	}
	out, err := requireExtension[*TextWriterExtension](ctx)
	if err != nil {
		return err
	}
	return out.WriteLine(text)
}

// Delay completes after Duration, using a durable timer. The workflow is
// idle while the timer is pending.
type Delay struct {
	DisplayName string
	Duration    Expr[time.Duration]
}

func (d *Delay) Name() string { return d.DisplayName }

func (d *Delay) Metadata(md *Metadata) {
	if d.Duration == nil {
		md.AddValidationError("Duration is required")
	}
}

func (d *Delay) Execute(ctx *Context) error {
	dur, err := d.Duration.Eval(ctx)
	if err != nil {
		return err
	}
	if dur < 0 {
		return invalidOp("Delay", "negative duration %s", dur)
	}

	timers, err := requireExtension[*TimerExtension](ctx)
	if err != nil {
		return err
	}
	b, err := ctx.CreateBookmark("", "timer", BookmarkBlocking)
	if err != nil {
		return err
	}
	timers.RegisterTimer(dur, b)
	return nil
}

// Cancel removes the timer along with its bookmark.
func (d *Delay) Cancel(ctx *Context) error {
	ctx.RemoveAllBookmarks()
	return ctx.MarkCanceled()
}

// WaitForBookmark suspends until the named bookmark is resumed. The resume
// value is assigned to the declared variable Result, if set.
type WaitForBookmark struct {
	DisplayName string
	Bookmark    Expr[string]
	Result      string
}

func (w *WaitForBookmark) Name() string { return w.DisplayName }

func (w *WaitForBookmark) Metadata(md *Metadata) {
	if w.Bookmark == nil {
		md.AddValidationError("Bookmark is required")
	}
}

func (w *WaitForBookmark) Execute(ctx *Context) error {
	name, err := w.Bookmark.Eval(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		return invalidOp("WaitForBookmark", "bookmark name is empty")
	}
	_, err = ctx.CreateBookmark(name, "resume", BookmarkBlocking)
	return err
}

func (w *WaitForBookmark) OnBookmark(ctx *Context, _ string, _ Bookmark, value any) error {
	if w.Result == "" {
		return nil
	}
	return ctx.Assign(w.Result, value)
}
