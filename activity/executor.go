package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/activityflow/activity/emit"
)

// errRootCompleted is the abort reason given to secondary roots that are
// still alive when the main root completes.
var errRootCompleted = errors.New("main root completed")

// executor runs one workflow instance. It is not safe for concurrent use;
// the host serializes every call.
type executor struct {
	program    *Program
	workflowID string

	turn           int
	seq            int64
	nextInstanceID int64
	nextBookmarkID int64

	instances map[int64]*Instance
	root      *Instance
	secondary []*Instance
	queue     workQueue
	bookmarks map[Bookmark]*bookmarkRecord

	extensions *extensionSet
	status     Status
	err        error
	aborting   error

	outputNames []string
	outputs     map[string]any

	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	clock    func() time.Time
	maxTurns int
}

func newExecutor(p *Program, workflowID string, exts *extensionSet) *executor {
	return &executor{
		program:    p,
		workflowID: workflowID,
		instances:  map[int64]*Instance{},
		bookmarks:  map[Bookmark]*bookmarkRecord{},
		extensions: exts,
		status:     StatusRunnable,
		clock:      time.Now,
	}
}

// start creates the root instance with inputs as its property scope.
func (ex *executor) start(inputs map[string]any) {
	root := ex.newInstance(ex.program.root, nil)
	for k, v := range inputs {
		root.props[k] = v
	}
	ex.root = root
	ex.enqueue(&workItem{kind: workExecute, inst: root})
	ex.emit(nil, "workflow_started", nil)
}

func (ex *executor) newInstance(n *node, parent *Instance) *Instance {
	ex.nextInstanceID++
	inst := &Instance{
		id:     ex.nextInstanceID,
		node:   n,
		parent: parent,
		props:  map[string]any{},
	}
	ex.instances[inst.id] = inst
	if parent != nil {
		parent.children = append(parent.children, inst)
	}
	return inst
}

func (ex *executor) enqueue(item *workItem) {
	ex.seq++
	item.seq = ex.seq
	ex.queue.push(item)
}

func (ex *executor) terminal() bool {
	return ex.status.IsTerminal()
}

// currentStatus is the status reported to callers. The executor itself only
// tracks Runnable and the terminal statuses.
func (ex *executor) currentStatus() Status {
	if ex.root != nil && ex.idle() {
		return StatusIdle
	}
	return ex.status
}

// idle reports whether the workflow is waiting for external input.
func (ex *executor) idle() bool {
	return !ex.terminal() && ex.queue.Len() == 0
}

// run processes queued work until the workflow is idle or terminal.
func (ex *executor) run(ctx context.Context) error {
	turns := 0
	for ex.queue.Len() > 0 && !ex.terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ex.maxTurns > 0 && turns >= ex.maxTurns {
			return &EngineError{
				Message: fmt.Sprintf("workflow %s did not go idle within %d turns", ex.workflowID, ex.maxTurns),
				Code:    "MAX_TURNS_EXCEEDED",
				Err:     ErrMaxTurnsExceeded,
			}
		}

		item := ex.queue.pop()
		ex.turn++
		turns++

		start := time.Now()
		ex.dispatch(item)
		ex.metrics.RecordTurn(item.kind.String(), time.Since(start))
	}
	return nil
}

func (ex *executor) dispatch(item *workItem) {
	switch item.kind {
	case workExecute:
		ex.execute(item.inst)
	case workComplete:
		ex.deliverCompletion(item.inst)
	case workResume:
		ex.resume(item)
	case workCancel:
		ex.cancel(item.inst)
	}
	ex.checkAbort()
}

func (ex *executor) alive(inst *Instance) bool {
	return inst.state == StateExecuting && ex.instances[inst.id] == inst
}

func (ex *executor) execute(inst *Instance) {
	if !ex.alive(inst) || inst.started {
		return
	}
	inst.started = true

	if inst.cancelRequested {
		// Canceled before it ever ran.
		inst.markedCanceled = true
		ex.tryComplete(inst)
		return
	}

	ex.emit(inst, "activity_executing", nil)
	ex.invoke(inst, func(ctx *Context) error {
		return inst.node.activity.Execute(ctx)
	})
}

func (ex *executor) deliverCompletion(child *Instance) {
	delete(ex.instances, child.id)
	parent := child.parent
	if parent == nil || !ex.alive(parent) {
		return
	}
	parent.removeChild(child)

	if child.onCompleted != "" {
		if h, ok := parent.node.activity.(CompletionHandler); ok {
			ex.invoke(parent, func(ctx *Context) error {
				return h.OnCompleted(ctx, child.onCompleted, child)
			})
			return
		}
	}
	ex.tryComplete(parent)
}

func (ex *executor) resume(item *workItem) {
	b, value := item.bookmark, item.value
	item.processed = true

	rec, ok := ex.bookmarks[b]
	if !ok {
		item.dropped = true
		ex.emit(nil, "bookmark_resume_dropped", map[string]any{"bookmark": b.String()})
		return
	}
	ex.removeBookmark(rec)

	owner := rec.owner
	if !ex.alive(owner) {
		item.dropped = true
		return
	}
	ex.emit(owner, "bookmark_resumed", map[string]any{"bookmark": b.String()})

	h, ok := owner.node.activity.(BookmarkHandler)
	if !ok {
		ex.tryComplete(owner)
		return
	}
	ex.invoke(owner, func(ctx *Context) error {
		return h.OnBookmark(ctx, rec.stage, b, value)
	})
}

// requestCancel flags inst for cancellation and queues its cancel handler.
func (ex *executor) requestCancel(inst *Instance) {
	if inst.state != StateExecuting || inst.cancelRequested {
		return
	}
	inst.cancelRequested = true
	ex.enqueue(&workItem{kind: workCancel, inst: inst})
}

func (ex *executor) cancel(inst *Instance) {
	if !ex.alive(inst) {
		return
	}
	if !inst.started {
		inst.started = true
		inst.markedCanceled = true
		ex.tryComplete(inst)
		return
	}

	ex.emit(inst, "activity_canceling", nil)
	if c, ok := inst.node.activity.(Canceler); ok {
		ex.invoke(inst, c.Cancel)
		return
	}
	ex.invoke(inst, defaultCancel)
}

func defaultCancel(ctx *Context) error {
	ctx.CancelChildren()
	ctx.RemoveAllBookmarks()
	return ctx.MarkCanceled()
}

// invoke runs fn on behalf of inst, turning errors and panics into faults.
func (ex *executor) invoke(inst *Instance, fn func(ctx *Context) error) {
	ctx := &Context{ex: ex, inst: inst}
	if err := safeCall(ctx, fn); err != nil {
		ex.fault(inst, err)
		return
	}
	if ex.aborting != nil {
		return
	}
	ex.tryComplete(inst)
}

func safeCall(ctx *Context, fn func(ctx *Context) error) (err error) {
	defer func() {
		switch v := recover().(type) {
		case nil:
		case localsPanic:
			err = v.cause
		default:
			err = &PanicError{Value: v}
		}
	}()
	return fn(ctx)
}

// tryComplete closes inst if it has no children and no blocking bookmarks.
func (ex *executor) tryComplete(inst *Instance) {
	if !ex.alive(inst) || !inst.started {
		return
	}
	if len(inst.children) > 0 || inst.blocking > 0 {
		return
	}

	ex.removeBookmarks(inst)
	if inst.cancelRequested && inst.markedCanceled {
		inst.state = StateCanceled
	} else {
		inst.state = StateClosed
	}

	ex.emit(inst, "activity_closed", map[string]any{"state": inst.state.String()})
	ex.metrics.IncrementInstances(inst.state.String())

	switch {
	case inst == ex.root:
		ex.completeWorkflow()
	case inst.secondary:
		ex.removeSecondary(inst)
		delete(ex.instances, inst.id)
	default:
		ex.enqueue(&workItem{kind: workComplete, inst: inst})
	}
}

// fault propagates err raised by inst to the nearest ancestor that claims it.
func (ex *executor) fault(inst *Instance, err error) {
	if ex.aborting != nil || ex.terminal() {
		return
	}

	inst.err = err
	f := &Fault{Err: err, Source: inst}
	ex.emit(inst, "activity_faulted", map[string]any{"error": err.Error()})

	cur := inst
	for {
		parent := cur.parent
		if parent == nil {
			ex.unhandled(f)
			return
		}

		if h, ok := parent.node.activity.(FaultHandler); ok && cur.onFaulted != "" && ex.alive(parent) {
			ctx := &Context{ex: ex, inst: parent}
			stage := cur.onFaulted

			var handled bool
			herr := safeCall(ctx, func(ctx *Context) error {
				var err error
				handled, err = h.OnFaulted(ctx, stage, f)
				return err
			})

			if ex.aborting != nil {
				return
			}

			if herr != nil {
				ex.terminate(cur, f.Err)
				parent.err = herr
				f = &Fault{Err: herr, Source: parent}
				ex.emit(parent, "activity_faulted", map[string]any{"error": herr.Error()})
				cur = parent
				continue
			}

			if handled {
				ex.emit(parent, "fault_handled", map[string]any{
					"error":  f.Err.Error(),
					"source": f.Source.ActivityID(),
				})
				ex.metrics.IncrementFaults("handled")
				ex.cancelPath(cur, f.Source)
				ex.faultOut(f.Source, f.Err)
				return
			}
		}

		cur = parent
	}
}

// cancelPath requests cancellation of every instance from top down to the
// parent of source. The cancel items are queued ahead of the completion of
// source, so no ancestor sees it before its own cancellation request.
func (ex *executor) cancelPath(top, source *Instance) {
	if source == top {
		return
	}
	var path []*Instance
	for p := source.parent; p != nil; p = p.parent {
		path = append(path, p)
		if p == top {
			break
		}
	}
	for i := len(path) - 1; i >= 0; i-- {
		ex.requestCancel(path[i])
	}
}

// faultOut closes inst as faulted once a handler has claimed its fault. Its
// own subtree is torn down, and its completion is delivered to the parent
// like any other.
func (ex *executor) faultOut(inst *Instance, reason error) {
	for i := len(inst.children) - 1; i >= 0; i-- {
		ex.terminate(inst.children[i], reason)
	}
	if a, ok := inst.node.activity.(Aborter); ok && inst.started {
		ctx := &Context{ex: ex, inst: inst}
		_ = safeCall(ctx, func(ctx *Context) error {
			a.Abort(ctx, reason)
			return nil
		})
	}

	ex.removeBookmarks(inst)
	inst.state = StateFaulted
	ex.emit(inst, "activity_closed", map[string]any{"state": inst.state.String()})
	ex.metrics.IncrementInstances(inst.state.String())
	ex.enqueue(&workItem{kind: workComplete, inst: inst})
}

// terminate tears down inst and its subtree without delivering completions.
func (ex *executor) terminate(inst *Instance, reason error) {
	for i := len(inst.children) - 1; i >= 0; i-- {
		ex.terminate(inst.children[i], reason)
	}

	if inst.state == StateExecuting {
		if a, ok := inst.node.activity.(Aborter); ok && inst.started {
			ctx := &Context{ex: ex, inst: inst}
			_ = safeCall(ctx, func(ctx *Context) error {
				a.Abort(ctx, reason)
				return nil
			})
		}
		inst.state = StateFaulted
		ex.emit(inst, "activity_aborted", nil)
	}

	ex.removeBookmarks(inst)
	if inst.parent != nil {
		inst.parent.removeChild(inst)
	}
	if inst.secondary {
		ex.removeSecondary(inst)
	}
	delete(ex.instances, inst.id)
}

func (ex *executor) removeSecondary(inst *Instance) {
	for i, s := range ex.secondary {
		if s == inst {
			ex.secondary = append(ex.secondary[:i], ex.secondary[i+1:]...)
			return
		}
	}
}

func (ex *executor) unhandled(f *Fault) {
	ex.metrics.IncrementFaults("unhandled")
	ex.finish(StatusFaulted, &FaultError{
		WorkflowID: ex.workflowID,
		ActivityID: f.Source.ActivityID(),
		InstanceID: f.Source.ID(),
		Err:        f.Err,
	}, f.Err)
}

func (ex *executor) checkAbort() {
	if ex.aborting == nil || ex.terminal() {
		return
	}
	reason := ex.aborting
	ex.finish(StatusAborted, fmt.Errorf("%w: %w", ErrWorkflowAborted, reason), reason)
}

func (ex *executor) completeWorkflow() {
	ex.outputs = map[string]any{}
	for _, name := range ex.outputNames {
		if v, ok := ex.root.props[name]; ok {
			ex.outputs[name] = v
		}
	}

	if ex.root.state == StateCanceled {
		ex.finish(StatusCanceled, ErrWorkflowCanceled, errRootCompleted)
		return
	}
	ex.finish(StatusCompleted, nil, errRootCompleted)
}

// finish moves the workflow to a terminal status and tears down whatever is
// still running.
func (ex *executor) finish(status Status, err error, reason error) {
	ex.status = status
	ex.err = err

	if ex.root != nil {
		ex.terminate(ex.root, reason)
	}
	for len(ex.secondary) > 0 {
		ex.terminate(ex.secondary[0], reason)
	}
	ex.queue = nil

	meta := map[string]any{"status": string(status)}
	if err != nil {
		meta["error"] = err.Error()
	}
	ex.emit(nil, "workflow_"+statusEvent(status), meta)
}

func statusEvent(s Status) string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	case StatusFaulted:
		return "faulted"
	case StatusAborted:
		return "aborted"
	default:
		return "status"
	}
}

func (ex *executor) emit(inst *Instance, msg string, meta map[string]any) {
	if ex.emitter == nil {
		return
	}

	ev := emit.Event{
		WorkflowID: ex.workflowID,
		Turn:       ex.turn,
		Msg:        msg,
		Meta:       map[string]interface{}{},
	}
	for k, v := range meta {
		ev.Meta[k] = v
	}
	if inst != nil {
		ev.ActivityID = inst.ActivityID()
		ev.Meta["instance_id"] = inst.id
	}
	ex.emitter.Emit(ev)
}
