package activity

// Sequence runs its activities one after another in declaration order.
type Sequence struct {
	DisplayName string
	Activities  []Activity

	// Variables are declared in the sequence's scope before the first
	// activity runs.
	Variables []Variable
}

func (s *Sequence) Name() string { return s.DisplayName }

func (s *Sequence) Metadata(md *Metadata) {
	validateVariables(md, s.Variables)
	md.AddChild(s.Activities...)
}

func (s *Sequence) Execute(ctx *Context) error {
	if err := declareVariables(ctx, s.Variables); err != nil {
		return err
	}
	return s.scheduleFrom(ctx, 0)
}

func (s *Sequence) scheduleFrom(ctx *Context, i int) error {
	for ; i < len(s.Activities); i++ {
		if !isNil(s.Activities[i]) {
			break
		}
	}
	if i >= len(s.Activities) {
		return nil
	}

	ctx.SetLocal("index", i)
	_, err := ctx.ScheduleActivity(s.Activities[i], "next", "")
	return err
}

func (s *Sequence) OnCompleted(ctx *Context, _ string, _ *Instance) error {
	if ctx.IsCancellationRequested() {
		return nil
	}
	return s.scheduleFrom(ctx, ctx.IntLocal("index")+1)
}

// If runs Then when Condition holds and Else otherwise.
type If struct {
	DisplayName string
	Condition   Expr[bool]
	Then        Activity
	Else        Activity
}

func (a *If) Name() string { return a.DisplayName }

func (a *If) Metadata(md *Metadata) {
	if a.Condition == nil {
		md.AddValidationError("Condition is required")
	}
	md.AddChild(a.Then, a.Else)
}

func (a *If) Execute(ctx *Context) error {
	ok, err := a.Condition.Eval(ctx)
	if err != nil {
		return err
	}

	branch := a.Else
	if ok {
		branch = a.Then
	}
	if isNil(branch) {
		return nil
	}
	_, err = ctx.ScheduleActivity(branch, "", "")
	return err
}

// While runs Body for as long as Condition holds, checking it before every
// iteration.
type While struct {
	DisplayName string
	Condition   Expr[bool]
	Body        Activity
	Variables   []Variable
}

func (w *While) Name() string { return w.DisplayName }

func (w *While) Metadata(md *Metadata) {
	if w.Condition == nil {
		md.AddValidationError("Condition is required")
	}
	if isNil(w.Body) {
		md.AddValidationError("Body is required")
	}
	validateVariables(md, w.Variables)
	md.AddChild(w.Body)
}

func (w *While) Execute(ctx *Context) error {
	if err := declareVariables(ctx, w.Variables); err != nil {
		return err
	}
	return w.iterate(ctx)
}

func (w *While) iterate(ctx *Context) error {
	ok, err := w.Condition.Eval(ctx)
	if err != nil || !ok {
		return err
	}
	_, err = ctx.ScheduleActivity(w.Body, "body", "")
	return err
}

func (w *While) OnCompleted(ctx *Context, _ string, _ *Instance) error {
	if ctx.IsCancellationRequested() {
		return nil
	}
	return w.iterate(ctx)
}

// DoWhile runs Body once and then again for as long as Condition holds.
type DoWhile struct {
	DisplayName string
	Body        Activity
	Condition   Expr[bool]
	Variables   []Variable
}

func (d *DoWhile) Name() string { return d.DisplayName }

func (d *DoWhile) Metadata(md *Metadata) {
	if d.Condition == nil {
		md.AddValidationError("Condition is required")
	}
	if isNil(d.Body) {
		md.AddValidationError("Body is required")
	}
	validateVariables(md, d.Variables)
	md.AddChild(d.Body)
}

func (d *DoWhile) Execute(ctx *Context) error {
	if err := declareVariables(ctx, d.Variables); err != nil {
		return err
	}
	_, err := ctx.ScheduleActivity(d.Body, "body", "")
	return err
}

func (d *DoWhile) OnCompleted(ctx *Context, _ string, _ *Instance) error {
	if ctx.IsCancellationRequested() {
		return nil
	}
	ok, err := d.Condition.Eval(ctx)
	if err != nil || !ok {
		return err
	}
	_, err = ctx.ScheduleActivity(d.Body, "body", "")
	return err
}

// CancellationScope runs Body. When the scope is canceled and Body ends up
// canceled, CancellationHandler runs before the scope itself completes as
// canceled.
type CancellationScope struct {
	DisplayName         string
	Body                Activity
	CancellationHandler Activity
}

func (c *CancellationScope) Name() string { return c.DisplayName }

func (c *CancellationScope) Metadata(md *Metadata) {
	md.AddChild(c.Body, c.CancellationHandler)
}

func (c *CancellationScope) Execute(ctx *Context) error {
	if isNil(c.Body) {
		return nil
	}
	_, err := ctx.ScheduleActivity(c.Body, "body", "")
	return err
}

func (c *CancellationScope) Cancel(ctx *Context) error {
	if len(ctx.Children()) == 0 {
		return ctx.MarkCanceled()
	}
	ctx.CancelChildren()
	return nil
}

func (c *CancellationScope) OnCompleted(ctx *Context, stage string, child *Instance) error {
	switch stage {
	case "body":
		if !ctx.IsCancellationRequested() || child.State() != StateCanceled {
			return nil
		}
		if isNil(c.CancellationHandler) {
			return ctx.MarkCanceled()
		}
		_, err := ctx.ScheduleActivity(c.CancellationHandler, "handler", "")
		return err
	default:
		return ctx.MarkCanceled()
	}
}
