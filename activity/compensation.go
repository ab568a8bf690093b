package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/qmuntal/stateless"
)

// CompensationState is the lifecycle state of a compensation token.
//
// Tokens move Creating → Active → Completed and then on to exactly one of
// Confirming → Confirmed or Compensating → Compensated. An Active token whose
// activity is canceled moves Canceling → Canceled instead.
type CompensationState string

const (
	TokenCreating     CompensationState = "Creating"
	TokenActive       CompensationState = "Active"
	TokenCompleted    CompensationState = "Completed"
	TokenConfirming   CompensationState = "Confirming"
	TokenConfirmed    CompensationState = "Confirmed"
	TokenCompensating CompensationState = "Compensating"
	TokenCompensated  CompensationState = "Compensated"
	TokenCanceling    CompensationState = "Canceling"
	TokenCanceled     CompensationState = "Canceled"
)

type tokenTrigger string

const (
	triggerActivate   tokenTrigger = "activate"
	triggerComplete   tokenTrigger = "complete"
	triggerConfirm    tokenTrigger = "confirm"
	triggerCompensate tokenTrigger = "compensate"
	triggerCancel     tokenTrigger = "cancel"
	triggerFinish     tokenTrigger = "finish"
)

// Bookmark table keys of a token.
const (
	onCompensationKey = "OnCompensation"
	onConfirmationKey = "OnConfirmation"
	compensatedKey    = "Compensated"
	confirmedKey      = "Confirmed"
)

// rootTokenID is the token of the implicit workflow compensation scope.
const rootTokenID int64 = 0

// tokenProperty holds the ID of the ambient compensation token.
const tokenProperty = "$activityflow.compensationToken"

// CompensationToken identifies the work of one CompensableActivity
// execution. It is what Compensate and Confirm target.
type CompensationToken struct {
	ID int64 `json:"id"`
}

// CompensationTokenData is the bookkeeping for one compensation token.
type CompensationTokenData struct {
	ID          int64             `json:"id"`
	ParentID    int64             `json:"parentID"`
	DisplayName string            `json:"displayName"`
	State       CompensationState `json:"state"`

	// ExecutionTracker lists the completed child tokens, most recently
	// completed first.
	ExecutionTracker []int64 `json:"executionTracker,omitempty"`

	Bookmarks map[string]Bookmark `json:"bookmarks,omitempty"`

	CompensateCalled bool `json:"compensateCalled,omitempty"`
	ConfirmCalled    bool `json:"confirmCalled,omitempty"`
}

// CompensationExtension holds the compensation tokens of a workflow
// instance. It is registered automatically when the tree contains a
// CompensableActivity.
type CompensationExtension struct {
	tokens  map[int64]*CompensationTokenData
	retired map[int64]CompensationState
	nextID  int64
}

// NewCompensationExtension returns an extension holding only the workflow
// token.
func NewCompensationExtension() *CompensationExtension {
	return &CompensationExtension{
		tokens: map[int64]*CompensationTokenData{
			rootTokenID: {ID: rootTokenID, ParentID: -1, DisplayName: "workflow", State: TokenActive},
		},
		retired: map[int64]CompensationState{},
		nextID:  1,
	}
}

// Token returns a live token.
func (e *CompensationExtension) Token(id int64) (*CompensationTokenData, bool) {
	t, ok := e.tokens[id]
	return t, ok
}

// Retired returns the final state of a token that has been removed.
func (e *CompensationExtension) Retired(id int64) (CompensationState, bool) {
	s, ok := e.retired[id]
	return s, ok
}

func (e *CompensationExtension) create(parentID int64, name string) (*CompensationTokenData, error) {
	if _, ok := e.tokens[parentID]; !ok {
		return nil, invalidOp("CompensableActivity", "parent token %d does not exist", parentID)
	}

	t := &CompensationTokenData{
		ID:          e.nextID,
		ParentID:    parentID,
		DisplayName: name,
		State:       TokenCreating,
		Bookmarks:   map[string]Bookmark{},
	}
	e.nextID++
	e.tokens[t.ID] = t
	return t, e.fire(t, triggerActivate)
}

func configureToken(sm *stateless.StateMachine) {
	sm.Configure(TokenCreating).
		Permit(triggerActivate, TokenActive)
	sm.Configure(TokenActive).
		Permit(triggerComplete, TokenCompleted).
		Permit(triggerCancel, TokenCanceling)
	sm.Configure(TokenCompleted).
		Permit(triggerConfirm, TokenConfirming).
		Permit(triggerCompensate, TokenCompensating)
	sm.Configure(TokenConfirming).
		Permit(triggerFinish, TokenConfirmed)
	sm.Configure(TokenCompensating).
		Permit(triggerFinish, TokenCompensated)
	sm.Configure(TokenCanceling).
		Permit(triggerFinish, TokenCanceled)
}

// fire moves t along its lifecycle.
func (e *CompensationExtension) fire(t *CompensationTokenData, trigger tokenTrigger) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return t.State, nil
		},
		func(_ context.Context, s stateless.State) error {
			t.State = s.(CompensationState)
			return nil
		},
		stateless.FiringImmediate,
	)
	configureToken(sm)

	if err := sm.Fire(trigger); err != nil {
		return invalidOp("Compensation", "token %d (%s) cannot %s while %s", t.ID, t.DisplayName, trigger, t.State)
	}
	return nil
}

// completed records t as the most recently completed child of its parent.
func (e *CompensationExtension) completed(t *CompensationTokenData) error {
	if err := e.fire(t, triggerComplete); err != nil {
		return err
	}
	if p, ok := e.tokens[t.ParentID]; ok {
		p.ExecutionTracker = append([]int64{t.ID}, p.ExecutionTracker...)
	}
	return nil
}

// retire removes t from the token table and from its parent's tracker.
func (e *CompensationExtension) retire(t *CompensationTokenData) {
	delete(e.tokens, t.ID)
	e.retired[t.ID] = t.State
	if p, ok := e.tokens[t.ParentID]; ok {
		p.ExecutionTracker = slices.DeleteFunc(p.ExecutionTracker, func(id int64) bool { return id == t.ID })
	}
}

// NotifyMessage resumes a bookmark on behalf of the compensation protocol.
// A missing bookmark is a protocol violation.
func (e *CompensationExtension) NotifyMessage(ctx *Context, b Bookmark) error {
	if r := ctx.ResumeBookmark(b, nil); r != ResumeSuccess {
		return invalidOp("Compensation", "notify %s: %s", b, r)
	}
	return nil
}

// internalCompensate asks the participant of t to compensate and creates
// the bookmark the caller waits on, resumed with stage once it is done.
func (e *CompensationExtension) internalCompensate(ctx *Context, t *CompensationTokenData, stage string) error {
	if err := e.fire(t, triggerCompensate); err != nil {
		return err
	}
	t.CompensateCalled = true

	done, err := ctx.CreateBookmark("", stage, BookmarkBlocking)
	if err != nil {
		return err
	}
	t.Bookmarks[compensatedKey] = done
	return e.NotifyMessage(ctx, t.Bookmarks[onCompensationKey])
}

// internalConfirm is the confirmation counterpart of internalCompensate.
func (e *CompensationExtension) internalConfirm(ctx *Context, t *CompensationTokenData, stage string) error {
	if err := e.fire(t, triggerConfirm); err != nil {
		return err
	}
	t.ConfirmCalled = true

	done, err := ctx.CreateBookmark("", stage, BookmarkBlocking)
	if err != nil {
		return err
	}
	t.Bookmarks[confirmedKey] = done
	return e.NotifyMessage(ctx, t.Bookmarks[onConfirmationKey])
}

// driveChildren compensates (or confirms) the next completed child of t,
// most recent first, resuming the caller with stage when that child is
// done. It reports true when no child is left.
func (e *CompensationExtension) driveChildren(ctx *Context, t *CompensationTokenData, compensate bool, stage string) (bool, error) {
	for _, id := range t.ExecutionTracker {
		child, ok := e.tokens[id]
		if !ok || child.State != TokenCompleted {
			continue
		}
		if compensate {
			ctx.Emit("compensating", map[string]any{"token": child.ID, "name": child.DisplayName})
			return false, e.internalCompensate(ctx, child, stage)
		}
		ctx.Emit("confirming", map[string]any{"token": child.ID, "name": child.DisplayName})
		return false, e.internalConfirm(ctx, child, stage)
	}
	return true, nil
}

type compensationValues struct {
	Tokens  []*CompensationTokenData    `json:"tokens"`
	Retired map[int64]CompensationState `json:"retired,omitempty"`
	NextID  int64                       `json:"nextID"`
}

// CollectValues implements PersistenceParticipant.
func (e *CompensationExtension) CollectValues() (map[string]any, error) {
	v := compensationValues{Retired: e.retired, NextID: e.nextID}
	for _, t := range e.tokens {
		v.Tokens = append(v.Tokens, t)
	}
	sort.Slice(v.Tokens, func(i, j int) bool { return v.Tokens[i].ID < v.Tokens[j].ID })
	return map[string]any{"compensation": v}, nil
}

// PublishValues implements PersistenceParticipant.
func (e *CompensationExtension) PublishValues(values map[string]json.RawMessage) error {
	raw, ok := values["compensation"]
	if !ok {
		return nil
	}

	var v compensationValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("restore compensation tokens: %w", err)
	}
	e.tokens = make(map[int64]*CompensationTokenData, len(v.Tokens))
	for _, t := range v.Tokens {
		if t.Bookmarks == nil {
			t.Bookmarks = map[string]Bookmark{}
		}
		e.tokens[t.ID] = t
	}
	e.retired = v.Retired
	if e.retired == nil {
		e.retired = map[int64]CompensationState{}
	}
	e.nextID = v.NextID
	return nil
}

// ambientToken returns the compensation token in scope.
func ambientToken(ctx *Context) (int64, bool) {
	v, ok := ctx.Lookup(tokenProperty)
	if !ok {
		return 0, false
	}
	id, err := convert[int64](v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// workflowCompensationBehavior is the implicit root of programs that use
// compensation. It confirms the work of the workflow when it completes and
// compensates it when it is canceled.
type workflowCompensationBehavior struct {
	Body Activity
}

func (w *workflowCompensationBehavior) Name() string { return "WorkflowCompensationBehavior" }

func (w *workflowCompensationBehavior) Metadata(md *Metadata) {
	md.AddChild(w.Body)
}

func (w *workflowCompensationBehavior) Execute(ctx *Context) error {
	ctx.Properties().Add(tokenProperty, rootTokenID)
	_, err := ctx.ScheduleActivity(w.Body, "body", "")
	return err
}

func (w *workflowCompensationBehavior) Cancel(ctx *Context) error {
	ctx.CancelChildren()
	return nil
}

func (w *workflowCompensationBehavior) OnCompleted(ctx *Context, _ string, child *Instance) error {
	compensate := child.State() == StateCanceled
	ctx.SetLocal("compensate", compensate)
	return w.next(ctx)
}

func (w *workflowCompensationBehavior) OnBookmark(ctx *Context, _ string, _ Bookmark, _ any) error {
	return w.next(ctx)
}

func (w *workflowCompensationBehavior) next(ctx *Context) error {
	ext, err := requireExtension[*CompensationExtension](ctx)
	if err != nil {
		return err
	}
	root, ok := ext.Token(rootTokenID)
	if !ok {
		return invalidOp("Compensation", "workflow token is missing")
	}

	compensate := ctx.BoolLocal("compensate")
	done, err := ext.driveChildren(ctx, root, compensate, "child")
	if err != nil || !done {
		return err
	}
	if compensate && ctx.IsCancellationRequested() {
		return ctx.MarkCanceled()
	}
	return nil
}
