package activity

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/activityflow/activity/store"
)

// Status is the execution status of a workflow instance.
type Status string

const (
	// StatusRunnable means the workflow has work queued or has not started.
	StatusRunnable Status = "Runnable"

	// StatusIdle means the workflow is waiting for a bookmark to be resumed.
	StatusIdle Status = "Idle"

	// StatusCompleted means the root activity closed.
	StatusCompleted Status = "Completed"

	// StatusCanceled means the root activity was canceled.
	StatusCanceled Status = "Canceled"

	// StatusFaulted means a fault reached the root unhandled.
	StatusFaulted Status = "Faulted"

	// StatusAborted means an activity aborted the workflow.
	StatusAborted Status = "Aborted"
)

// IsTerminal reports whether no further work can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFaulted, StatusAborted:
		return true
	default:
		return false
	}
}

// Host owns one workflow instance and is the only way to drive it.
//
// All methods are safe for concurrent use. Calls that run the workflow are
// serialized; each one processes work until the workflow is idle or
// terminal.
type Host struct {
	mu      sync.Mutex
	ex      *executor
	started bool
	closed  bool

	store  store.Store[Snapshot]
	logger logging.Logger
	timers *TimerExtension
	manual bool

	timerMu sync.Mutex
	timer   *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

// NewHost creates a host for a new instance of program.
func NewHost(program *Program, opts ...Option) (*Host, error) {
	if program == nil {
		return nil, &EngineError{Message: "program cannot be nil", Code: "NIL_PROGRAM"}
	}

	cfg := hostConfig{clock: time.Now}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	workflowID := cfg.opts.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	exts := &extensionSet{}
	for _, x := range cfg.extensions {
		if err := exts.add(x); err != nil {
			return nil, err
		}
	}
	if !exts.has(reflect.TypeOf((*TimerExtension)(nil))) {
		_ = exts.add(NewTimerExtension(cfg.clock))
	}
	if !exts.has(reflect.TypeOf((*TextWriterExtension)(nil))) {
		_ = exts.add(NewTextWriterExtension(cfg.output))
	}
	for _, p := range program.providers {
		if exts.has(p.typ) {
			continue
		}
		if err := exts.add(p.fn()); err != nil {
			return nil, err
		}
	}

	ex := newExecutor(program, workflowID, exts)
	ex.outputNames = cfg.opts.Outputs
	ex.emitter = cfg.emitter
	ex.metrics = cfg.metrics
	ex.clock = cfg.clock
	ex.maxTurns = cfg.opts.MaxTurns

	h := &Host{
		ex:     ex,
		store:  cfg.store,
		logger: cfg.logger,
		manual: cfg.opts.ManualTimers,
		done:   make(chan struct{}),
	}
	h.timers, _ = findExtension[*TimerExtension](exts)
	h.timers.setOnChange(h.rearm)
	return h, nil
}

// Restore creates a host from a snapshot taken of an instance of program.
func Restore(program *Program, snap *Snapshot, opts ...Option) (*Host, error) {
	if snap == nil {
		return nil, &EngineError{Message: "snapshot cannot be nil", Code: "NIL_SNAPSHOT"}
	}

	h, err := NewHost(program, append(opts, WithWorkflowID(snap.WorkflowID))...)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ex.restore(snap); err != nil {
		return nil, err
	}
	h.started = snap.Root != 0
	h.afterRunLocked()
	return h, nil
}

// Load restores the latest snapshot of workflowID from st. The store is
// also used by subsequent Persist calls.
func Load(ctx context.Context, program *Program, st store.Store[Snapshot], workflowID string, opts ...Option) (*Host, error) {
	snap, _, err := st.LoadLatest(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	return Restore(program, &snap, append(opts, WithStore(st))...)
}

// ID returns the workflow instance ID.
func (h *Host) ID() string {
	return h.ex.workflowID
}

// Run starts the workflow with inputs as its root scope, or continues a
// restored workflow, and processes work until it is idle or terminal.
//
// It returns the workflow error once the workflow is terminal (nil when it
// completed), or the error that stopped processing early.
func (h *Host) Run(ctx context.Context, inputs map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpenLocked(); err != nil {
		return err
	}
	if !h.started {
		h.started = true
		h.ex.start(inputs)
	}
	return h.runLocked(ctx)
}

// ResumeBookmark resumes b with value and processes the resulting work.
//
// It reports ResumeNotReady when b does not exist but the workflow has not
// started or still has work queued that may create it, and ResumeNotFound
// when it does not exist otherwise. A resumption that was queued but lost
// its bookmark to earlier queued work before delivery, or was discarded
// when the workflow ended first, also reports ResumeNotFound. If processing
// stops before the resumption is reached, it stays queued and the result is
// ResumeSuccess.
func (h *Host) ResumeBookmark(ctx context.Context, b Bookmark, value any) (ResumeResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpenLocked(); err != nil {
		return ResumeNotFound, err
	}

	item, r := h.resumeLocked(b, value)
	if r != ResumeSuccess {
		h.ex.metrics.IncrementResumes(r.String())
		return r, nil
	}

	err := h.runLocked(ctx)
	if item.dropped || (!item.processed && h.ex.terminal()) {
		r = ResumeNotFound
	}
	h.ex.metrics.IncrementResumes(r.String())
	return r, err
}

// ResumeNamed resumes the named bookmark.
func (h *Host) ResumeNamed(ctx context.Context, name string, value any) (ResumeResult, error) {
	return h.ResumeBookmark(ctx, NamedBookmark(name), value)
}

func (h *Host) resumeLocked(b Bookmark, value any) (*workItem, ResumeResult) {
	if h.ex.terminal() {
		return nil, ResumeNotFound
	}
	if !h.started {
		return nil, ResumeNotReady
	}
	if _, ok := h.ex.bookmarks[b]; !ok {
		if h.ex.queue.Len() > 0 {
			return nil, ResumeNotReady
		}
		return nil, ResumeNotFound
	}
	return h.ex.queueResume(b, value)
}

// Cancel requests cancellation of the root activity and processes the
// resulting work. A workflow that has not started is canceled immediately.
func (h *Host) Cancel(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpenLocked(); err != nil {
		return err
	}
	if h.ex.terminal() {
		return nil
	}
	if !h.started {
		h.started = true
		h.ex.finish(StatusCanceled, ErrWorkflowCanceled, ErrWorkflowCanceled)
		h.afterRunLocked()
		return ErrWorkflowCanceled
	}

	h.ex.requestCancel(h.ex.root)
	return h.runLocked(ctx)
}

// FireDueTimers resumes the bookmarks of every expired timer and processes
// the resulting work. It returns the number of timers fired.
//
// A timer whose bookmark does not exist yet while work is still queued is
// retried later; one whose bookmark is gone is dropped.
func (h *Host) FireDueTimers(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || !h.started || h.ex.terminal() {
		return 0, nil
	}

	table := h.timers.Table()
	busy := h.ex.queue.Len() > 0
	fired := 0

	for _, b := range table.DueTimers(h.ex.clock()) {
		switch {
		case h.ex.bookmarks[b] != nil:
			if _, r := h.ex.queueResume(b, nil); r == ResumeSuccess {
				fired++
				h.ex.metrics.IncrementTimersFired()
				h.ex.metrics.IncrementResumes(ResumeSuccess.String())
			}
		case busy:
			table.RetryTimer(b)
			h.ex.metrics.IncrementTimerRetries()
			h.ex.metrics.IncrementResumes(ResumeNotReady.String())
			logging.Log(h.logger, "workflow %s: timer %s not ready, retrying in %s", h.ex.workflowID, b, TimerRetryInterval)
		default:
			table.RemoveTimer(b)
			h.ex.metrics.IncrementResumes(ResumeNotFound.String())
		}
	}

	if fired == 0 {
		h.rearm()
		return 0, nil
	}
	return fired, h.runLocked(ctx)
}

// Status returns the execution status.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.statusLocked()
}

func (h *Host) statusLocked() Status {
	if !h.started {
		return StatusRunnable
	}
	return h.ex.currentStatus()
}

// Outputs returns the outputs of a completed workflow, or nil.
func (h *Host) Outputs() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ex.outputs == nil {
		return nil
	}
	out := make(map[string]any, len(h.ex.outputs))
	for k, v := range h.ex.outputs {
		out[k] = v
	}
	return out
}

// Err returns the error of a terminal workflow.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.ex.err
}

// Bookmarks returns the registered bookmarks in deterministic order.
func (h *Host) Bookmarks() []Bookmark {
	h.mu.Lock()
	defer h.mu.Unlock()

	recs := h.ex.sortedBookmarks()
	out := make([]Bookmark, len(recs))
	for i, rec := range recs {
		out[i] = rec.bookmark
	}
	return out
}

// Timers returns the timer table of the workflow.
func (h *Host) Timers() *TimerTable {
	return h.timers.Table()
}

// Done returns a channel that is closed when the workflow becomes terminal.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the workflow is terminal and returns its error.
func (h *Host) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot captures the current state of the workflow.
func (h *Host) Snapshot() (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.ex.snapshot()
}

// Persist saves a snapshot to the host's store as the latest turn of the
// workflow.
//
// The timer table is frozen while the snapshot is taken and saved; timers
// removed or retried meanwhile are applied afterwards.
func (h *Host) Persist(ctx context.Context) error {
	if h.store == nil {
		return &EngineError{Message: "no store configured", Code: "NO_STORE"}
	}

	table := h.timers.Table()
	table.MarkAsImmutable()
	defer func() {
		table.MarkAsMutable()
		h.rearm()
	}()

	snap, err := h.Snapshot()
	if err != nil {
		return err
	}
	if err := h.store.SaveTurn(ctx, snap.WorkflowID, snap.Turn, string(snap.Status), *snap); err != nil {
		logging.Log(h.logger, "workflow %s: persist turn %d failed: %s", snap.WorkflowID, snap.Turn, err)
		return fmt.Errorf("persist workflow %s: %w", snap.WorkflowID, err)
	}
	logging.Debug(h.logger, "workflow %s: persisted turn %d (%s)", snap.WorkflowID, snap.Turn, snap.Status)
	return nil
}

// SaveCheckpoint saves a snapshot under a named checkpoint.
func (h *Host) SaveCheckpoint(ctx context.Context, checkpointID string) error {
	if h.store == nil {
		return &EngineError{Message: "no store configured", Code: "NO_STORE"}
	}

	snap, err := h.Snapshot()
	if err != nil {
		return err
	}
	return h.store.SaveCheckpoint(ctx, checkpointID, *snap, snap.Turn)
}

// Close stops the timer goroutine. The host cannot be driven afterwards.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.stopTimer()
	return nil
}

func (h *Host) checkOpenLocked() error {
	if h.closed {
		return &EngineError{Message: "host is closed", Code: "HOST_CLOSED"}
	}
	return nil
}

func (h *Host) runLocked(ctx context.Context) error {
	err := h.ex.run(ctx)
	h.afterRunLocked()
	if err != nil {
		return err
	}
	return h.ex.err
}

func (h *Host) afterRunLocked() {
	h.ex.metrics.SetPendingTimers(h.timers.Table().Len())

	if h.ex.terminal() {
		h.stopTimer()
		h.doneOnce.Do(func() { close(h.done) })
		return
	}
	h.rearm()
}

// rearm schedules the timer goroutine for the next due timer. It never takes
// h.mu, so it may be called from inside a turn.
func (h *Host) rearm() {
	if h.manual {
		return
	}

	h.timerMu.Lock()
	defer h.timerMu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}

	next, ok := h.timers.Table().NextDueTime()
	if !ok {
		return
	}
	d := next.Sub(h.ex.clock())
	if d < 0 {
		d = 0
	}
	h.timer = time.AfterFunc(d, h.onTimer)
}

func (h *Host) onTimer() {
	if _, err := h.FireDueTimers(context.Background()); err != nil {
		logging.Log(h.logger, "workflow %s: firing timers: %s", h.ID(), err)
	}
}

func (h *Host) stopTimer() {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Invoke compiles root, runs it to completion and returns its outputs.
//
// Durable timers are waited for in the calling goroutine. If the workflow
// goes idle with no timer pending, Invoke returns ErrWorkflowIdle.
func Invoke(ctx context.Context, root Activity, inputs map[string]any, opts ...Option) (map[string]any, error) {
	program, err := Compile(root)
	if err != nil {
		return nil, err
	}
	return invokeProgram(ctx, program, inputs, opts...)
}

// InvokeAll runs one instance of root per element of inputs concurrently and
// returns their outputs in the same order. The first failure cancels the
// remaining instances.
//
// Extensions passed with WithExtension are shared by every instance.
func InvokeAll(ctx context.Context, root Activity, inputs []map[string]any, opts ...Option) ([]map[string]any, error) {
	program, err := Compile(root)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		g.Go(func() error {
			out, err := invokeProgram(gctx, program, in, opts...)
			if err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func invokeProgram(ctx context.Context, program *Program, inputs map[string]any, opts ...Option) (map[string]any, error) {
	h, err := NewHost(program, append(opts, WithManualTimers())...)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	if err := h.Run(ctx, inputs); err != nil {
		return nil, err
	}

	for h.Status() == StatusIdle {
		next, ok := h.Timers().NextDueTime()
		if !ok {
			return nil, ErrWorkflowIdle
		}

		if d := next.Sub(h.ex.clock()); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}

		if _, err := h.FireDueTimers(ctx); err != nil {
			return nil, err
		}
	}

	if err := h.Err(); err != nil {
		return nil, err
	}
	out := h.Outputs()
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
