package activity

import "errors"

// CompensableActivity runs Body as a unit of work that can later be
// compensated or confirmed.
//
// When Body completes, the activity's token is recorded as the most recent
// completed child of the enclosing token and a participant stays behind to
// run CompensationHandler or ConfirmationHandler on request. Without a
// handler, compensating or confirming a token does the same for its own
// children, most recent first.
//
// When the activity is canceled while Body runs, the children of its token
// are compensated (or CancellationHandler runs) and the activity completes
// as canceled.
type CompensableActivity struct {
	DisplayName         string
	Body                Activity
	CompensationHandler Activity
	ConfirmationHandler Activity
	CancellationHandler Activity

	// Result, if set, names a declared variable that receives the
	// CompensationToken of each execution.
	Result string

	participant *compensationParticipant
}

func (c *CompensableActivity) Name() string { return c.DisplayName }

func (c *CompensableActivity) Metadata(md *Metadata) {
	if c.participant == nil {
		c.participant = &compensationParticipant{owner: c}
	}
	md.AddDefaultExtensionProvider(func() any { return NewCompensationExtension() })
	md.AddChild(c.Body, c.CancellationHandler, c.participant)
}

func (c *CompensableActivity) Execute(ctx *Context) error {
	ext, err := requireExtension[*CompensationExtension](ctx)
	if err != nil {
		return err
	}

	parent, ok := ambientToken(ctx)
	if !ok {
		parent = rootTokenID
	}
	t, err := ext.create(parent, c.DisplayName)
	if err != nil {
		return err
	}

	ctx.SetLocal("token", t.ID)
	ctx.Properties().Add(tokenProperty, t.ID)
	if c.Result != "" {
		if err := ctx.Assign(c.Result, CompensationToken{ID: t.ID}); err != nil {
			return err
		}
	}

	if isNil(c.Body) {
		return c.bodyDone(ctx, ext, t)
	}
	_, err = ctx.ScheduleActivity(c.Body, "body", "")
	return err
}

func (c *CompensableActivity) token(ctx *Context) (*CompensationExtension, *CompensationTokenData, error) {
	ext, err := requireExtension[*CompensationExtension](ctx)
	if err != nil {
		return nil, nil, err
	}
	t, ok := ext.Token(int64(ctx.IntLocal("token")))
	if !ok {
		return nil, nil, invalidOp("CompensableActivity", "token of %s is gone", ctx.ActivityID())
	}
	return ext, t, nil
}

func (c *CompensableActivity) Cancel(ctx *Context) error {
	if len(ctx.Children()) > 0 {
		ctx.CancelChildren()
		return nil
	}
	ext, t, err := c.token(ctx)
	if err != nil {
		return err
	}
	return c.startCanceling(ctx, ext, t)
}

func (c *CompensableActivity) OnCompleted(ctx *Context, stage string, _ *Instance) error {
	ext, t, err := c.token(ctx)
	if err != nil {
		return err
	}

	switch stage {
	case "body":
		if ctx.IsCancellationRequested() {
			return c.startCanceling(ctx, ext, t)
		}
		return c.bodyDone(ctx, ext, t)
	default:
		// The cancellation handler completed.
		return c.finishCanceling(ctx, ext, t)
	}
}

func (c *CompensableActivity) OnBookmark(ctx *Context, _ string, _ Bookmark, _ any) error {
	ext, t, err := c.token(ctx)
	if err != nil {
		return err
	}
	return c.compensateChildren(ctx, ext, t)
}

// Abort discards the token of an activity torn down by a fault.
func (c *CompensableActivity) Abort(ctx *Context, _ error) {
	if ext, t, err := c.token(ctx); err == nil {
		ext.retire(t)
	}
}

func (c *CompensableActivity) bodyDone(ctx *Context, ext *CompensationExtension, t *CompensationTokenData) error {
	if err := ext.completed(t); err != nil {
		return err
	}
	ctx.Emit("compensable_completed", map[string]any{"token": t.ID})
	_, err := ctx.ScheduleSecondaryRoot(c.participant, WithProperty(participantProperty, t.ID))
	return err
}

func (c *CompensableActivity) startCanceling(ctx *Context, ext *CompensationExtension, t *CompensationTokenData) error {
	if t.State == TokenActive {
		if err := ext.fire(t, triggerCancel); err != nil {
			return err
		}
	}
	if !isNil(c.CancellationHandler) {
		_, err := ctx.ScheduleActivity(c.CancellationHandler, "handler", "")
		return err
	}
	return c.compensateChildren(ctx, ext, t)
}

func (c *CompensableActivity) compensateChildren(ctx *Context, ext *CompensationExtension, t *CompensationTokenData) error {
	done, err := ext.driveChildren(ctx, t, true, "child")
	if err != nil || !done {
		return err
	}
	return c.finishCanceling(ctx, ext, t)
}

func (c *CompensableActivity) finishCanceling(ctx *Context, ext *CompensationExtension, t *CompensationTokenData) error {
	if t.State == TokenCanceling {
		if err := ext.fire(t, triggerFinish); err != nil {
			return err
		}
		ext.retire(t)
	}
	return ctx.MarkCanceled()
}

// participantProperty carries the token a participant serves.
const participantProperty = "$activityflow.participant"

// compensationParticipant waits, as a secondary root, for the token of a
// completed CompensableActivity to be compensated or confirmed.
type compensationParticipant struct {
	owner *CompensableActivity
}

func (p *compensationParticipant) Name() string {
	return "CompensationParticipant(" + p.owner.DisplayName + ")"
}

func (p *compensationParticipant) Metadata(md *Metadata) {
	md.AddChild(p.owner.CompensationHandler, p.owner.ConfirmationHandler)
}

func (p *compensationParticipant) token(ctx *Context) (*CompensationExtension, *CompensationTokenData, error) {
	ext, err := requireExtension[*CompensationExtension](ctx)
	if err != nil {
		return nil, nil, err
	}
	v, _ := ctx.Lookup(participantProperty)
	id, err := convert[int64](v)
	if err != nil {
		return nil, nil, err
	}
	t, ok := ext.Token(id)
	if !ok {
		return nil, nil, invalidOp("CompensationParticipant", "token %d is gone", id)
	}
	return ext, t, nil
}

func (p *compensationParticipant) Execute(ctx *Context) error {
	_, t, err := p.token(ctx)
	if err != nil {
		return err
	}
	ctx.Properties().Add(tokenProperty, t.ID)

	onCompensation, err := ctx.CreateBookmark("", "compensate", BookmarkBlocking)
	if err != nil {
		return err
	}
	onConfirmation, err := ctx.CreateBookmark("", "confirm", BookmarkBlocking)
	if err != nil {
		return err
	}
	t.Bookmarks[onCompensationKey] = onCompensation
	t.Bookmarks[onConfirmationKey] = onConfirmation
	return nil
}

func (p *compensationParticipant) OnBookmark(ctx *Context, stage string, _ Bookmark, _ any) error {
	ext, t, err := p.token(ctx)
	if err != nil {
		return err
	}

	switch stage {
	case "compensate", "confirm":
		ctx.RemoveAllBookmarks()
		compensate := stage == "compensate"
		ctx.SetLocal("compensate", compensate)

		handler := p.owner.ConfirmationHandler
		if compensate {
			handler = p.owner.CompensationHandler
		}
		if !isNil(handler) {
			_, err := ctx.ScheduleActivity(handler, "handler", "")
			return err
		}
	}

	done, err := ext.driveChildren(ctx, t, ctx.BoolLocal("compensate"), "child")
	if err != nil || !done {
		return err
	}
	return p.finish(ctx, ext, t)
}

func (p *compensationParticipant) OnCompleted(ctx *Context, _ string, _ *Instance) error {
	ext, t, err := p.token(ctx)
	if err != nil {
		return err
	}
	return p.finish(ctx, ext, t)
}

func (p *compensationParticipant) finish(ctx *Context, ext *CompensationExtension, t *CompensationTokenData) error {
	if err := ext.fire(t, triggerFinish); err != nil {
		return err
	}

	key := confirmedKey
	if t.State == TokenCompensated {
		key = compensatedKey
	}
	waiter := t.Bookmarks[key]
	ctx.Emit("token_"+string(t.State), map[string]any{"token": t.ID, "name": t.DisplayName})
	ext.retire(t)

	// The waiter may have been canceled in the meantime.
	if r := ctx.ResumeBookmark(waiter, nil); r != ResumeSuccess {
		ctx.Emit("compensation_waiter_gone", map[string]any{"token": t.ID, "result": r.String()})
	}
	return nil
}

// Compensate compensates the work of a completed CompensableActivity.
//
// With a Target, the target token must be Completed; compensating it again
// is a no-op and compensating a confirmed token is an invalid operation.
// Without a Target, the children of the ambient token are compensated, most
// recent first.
type Compensate struct {
	DisplayName string
	Target      Expr[CompensationToken]
}

func (c *Compensate) Name() string { return c.DisplayName }

func (c *Compensate) Metadata(*Metadata) {}

// Validate requires an enclosing CompensableActivity when there is no
// Target.
func (c *Compensate) Validate(parents []Activity) error {
	return requireCompensationScope(c.Target == nil, parents)
}

func (c *Compensate) Execute(ctx *Context) error {
	return runTokenOperation(ctx, c.Target, true)
}

func (c *Compensate) OnBookmark(ctx *Context, stage string, _ Bookmark, _ any) error {
	return continueTokenOperation(ctx, stage, true)
}

// Confirm confirms the work of a completed CompensableActivity. It mirrors
// Compensate.
type Confirm struct {
	DisplayName string
	Target      Expr[CompensationToken]
}

func (c *Confirm) Name() string { return c.DisplayName }

func (c *Confirm) Metadata(*Metadata) {}

// Validate requires an enclosing CompensableActivity when there is no
// Target.
func (c *Confirm) Validate(parents []Activity) error {
	return requireCompensationScope(c.Target == nil, parents)
}

func (c *Confirm) Execute(ctx *Context) error {
	return runTokenOperation(ctx, c.Target, false)
}

func (c *Confirm) OnBookmark(ctx *Context, stage string, _ Bookmark, _ any) error {
	return continueTokenOperation(ctx, stage, false)
}

func requireCompensationScope(ambient bool, parents []Activity) error {
	if !ambient {
		return nil
	}
	for _, p := range parents {
		switch p.(type) {
		case *CompensableActivity, *compensationParticipant:
			return nil
		}
	}
	return errors.New("a Target is required outside a CompensableActivity")
}

func runTokenOperation(ctx *Context, target Expr[CompensationToken], compensate bool) error {
	op := "Confirm"
	if compensate {
		op = "Compensate"
	}

	ext, err := requireExtension[*CompensationExtension](ctx)
	if err != nil {
		return err
	}

	if target == nil {
		id, ok := ambientToken(ctx)
		if !ok {
			return invalidOp(op, "no compensation token in scope")
		}
		t, ok := ext.Token(id)
		if !ok {
			return invalidOp(op, "token %d is gone", id)
		}
		switch {
		case t.State == TokenActive,
			compensate && (t.State == TokenCompensating || t.State == TokenCanceling),
			!compensate && t.State == TokenConfirming:
		default:
			return invalidOp(op, "ambient token %d is %s", t.ID, t.State)
		}
		ctx.SetLocal("token", t.ID)
		return continueTokenOperation(ctx, "child", compensate)
	}

	tok, err := target.Eval(ctx)
	if err != nil {
		return err
	}
	t, ok := ext.Token(tok.ID)
	if !ok {
		final, retired := ext.Retired(tok.ID)
		switch {
		case !retired:
			return invalidOp(op, "unknown token %d", tok.ID)
		case compensate && final == TokenCompensated, !compensate && final == TokenConfirmed:
			return nil
		default:
			return invalidOp(op, "token %d is already %s", tok.ID, final)
		}
	}

	if (compensate && t.CompensateCalled) || (!compensate && t.ConfirmCalled) {
		return nil
	}
	if t.State != TokenCompleted {
		return invalidOp(op, "token %d is %s", t.ID, t.State)
	}
	if compensate {
		return ext.internalCompensate(ctx, t, "done")
	}
	return ext.internalConfirm(ctx, t, "done")
}

func continueTokenOperation(ctx *Context, stage string, compensate bool) error {
	if stage == "done" {
		return nil
	}

	ext, err := requireExtension[*CompensationExtension](ctx)
	if err != nil {
		return err
	}
	t, ok := ext.Token(int64(ctx.IntLocal("token")))
	if !ok {
		return nil
	}
	_, err = ext.driveChildren(ctx, t, compensate, "child")
	return err
}
