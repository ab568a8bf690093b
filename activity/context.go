package activity

import (
	"fmt"
	"time"
)

// Context is handed to an activity for the duration of one callback. It is
// only valid until the callback returns.
type Context struct {
	ex   *executor
	inst *Instance
}

// WorkflowID returns the ID of the workflow instance.
func (c *Context) WorkflowID() string {
	return c.ex.workflowID
}

// Turn returns the number of work items processed so far.
func (c *Context) Turn() int {
	return c.ex.turn
}

// Now returns the current time according to the host clock.
func (c *Context) Now() time.Time {
	return c.ex.clock()
}

// Instance returns the instance the callback runs for.
func (c *Context) Instance() *Instance {
	return c.inst
}

// ActivityID returns the ID of the current activity.
func (c *Context) ActivityID() string {
	return c.inst.ActivityID()
}

// ScheduleOption configures a scheduled child.
type ScheduleOption func(*scheduleConfig)

type scheduleConfig struct {
	props map[string]any
}

// WithProperty seeds the child's property scope with name=value. This is how
// delegate arguments, such as the current ForEach item, are passed down.
func WithProperty(name string, value any) ScheduleOption {
	return func(cfg *scheduleConfig) {
		if cfg.props == nil {
			cfg.props = map[string]any{}
		}
		cfg.props[name] = value
	}
}

// ScheduleActivity schedules a declared child of the current activity.
//
// When the child completes, the current activity's CompletionHandler is
// called with onCompleted (unless it is empty). When the child subtree raises
// a fault, the current activity's FaultHandler gets the first chance to claim
// it with onFaulted (unless it is empty).
func (c *Context) ScheduleActivity(a Activity, onCompleted, onFaulted string, opts ...ScheduleOption) (*Instance, error) {
	n, err := c.childNode(a)
	if err != nil {
		return nil, err
	}

	var cfg scheduleConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	child := c.ex.newInstance(n, c.inst)
	child.onCompleted = onCompleted
	child.onFaulted = onFaulted
	for k, v := range cfg.props {
		child.props[k] = v
	}
	c.ex.enqueue(&workItem{kind: workExecute, inst: child})
	c.ex.emit(child, "activity_scheduled", nil)
	return child, nil
}

// ScheduleSecondaryRoot schedules a declared child outside the main tree.
// The new root does not hold up the current activity and receives a copy of
// every property visible from the current scope. Secondary roots still alive
// when the main root completes are discarded.
func (c *Context) ScheduleSecondaryRoot(a Activity, opts ...ScheduleOption) (*Instance, error) {
	n, err := c.childNode(a)
	if err != nil {
		return nil, err
	}

	var cfg scheduleConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	root := c.ex.newInstance(n, nil)
	root.secondary = true
	for k, v := range c.Properties().Flatten() {
		root.props[k] = v
	}
	for k, v := range cfg.props {
		root.props[k] = v
	}
	c.ex.secondary = append(c.ex.secondary, root)

	c.ex.enqueue(&workItem{kind: workExecute, inst: root})
	c.ex.emit(root, "secondary_root_scheduled", nil)
	return root, nil
}

func (c *Context) childNode(a Activity) (*node, error) {
	if isNil(a) {
		return nil, fmt.Errorf("%w: nil activity", ErrNotChild)
	}
	n, ok := c.inst.node.children[a]
	if !ok {
		return nil, fmt.Errorf("%w: %s under %s", ErrNotChild, displayName(a), c.inst.ActivityID())
	}
	return n, nil
}

// CreateBookmark registers a bookmark owned by the current instance. An
// empty name creates an anonymous bookmark. When the bookmark is resumed, the
// activity's BookmarkHandler is called with stage.
func (c *Context) CreateBookmark(name, stage string, opts BookmarkOptions) (Bookmark, error) {
	return c.ex.createBookmark(c.inst, name, stage, opts)
}

// RemoveBookmark removes a bookmark owned by the current instance. It reports
// whether the bookmark existed.
func (c *Context) RemoveBookmark(b Bookmark) bool {
	rec, ok := c.ex.bookmarks[b]
	if !ok || rec.owner != c.inst {
		return false
	}
	c.ex.removeBookmark(rec)
	c.ex.emit(c.inst, "bookmark_removed", map[string]any{"bookmark": b.String()})
	return true
}

// RemoveAllBookmarks removes every bookmark owned by the current instance.
func (c *Context) RemoveAllBookmarks() {
	c.ex.removeBookmarks(c.inst)
}

// ResumeBookmark queues the resumption of any bookmark in the workflow. The
// bookmark callback runs later in the current run; if the bookmark is removed
// before that, the resumption is dropped.
func (c *Context) ResumeBookmark(b Bookmark, value any) ResumeResult {
	_, r := c.ex.queueResume(b, value)
	c.ex.metrics.IncrementResumes(r.String())
	return r
}

// Children returns the current children in schedule order, including
// children whose completion has not been delivered yet.
func (c *Context) Children() []*Instance {
	out := make([]*Instance, len(c.inst.children))
	copy(out, c.inst.children)
	return out
}

// CancelChild requests cancellation of one child.
func (c *Context) CancelChild(child *Instance) {
	if child.parent != c.inst {
		return
	}
	c.ex.requestCancel(child)
}

// CancelChildren requests cancellation of every executing child.
func (c *Context) CancelChildren() {
	for _, child := range c.inst.children {
		c.ex.requestCancel(child)
	}
}

// IsCancellationRequested reports whether the current instance is being
// canceled.
func (c *Context) IsCancellationRequested() bool {
	return c.inst.cancelRequested
}

// MarkCanceled acknowledges a cancellation request. The instance completes
// as Canceled once it has no children and no blocking bookmarks.
func (c *Context) MarkCanceled() error {
	if !c.inst.cancelRequested {
		return invalidOp("MarkCanceled", "activity %s was not asked to cancel", c.inst.ActivityID())
	}
	c.inst.markedCanceled = true
	return nil
}

// Abort terminates the whole workflow instance once the current callback
// returns. The workflow ends in StatusAborted.
func (c *Context) Abort(reason error) {
	if reason == nil {
		reason = fmt.Errorf("aborted by activity %s", c.inst.ActivityID())
	}
	if c.ex.aborting == nil {
		c.ex.aborting = reason
	}
}

// Properties returns the property scope of the current instance.
func (c *Context) Properties() Properties {
	return Properties{inst: c.inst}
}

// Lookup finds name in the property scope, innermost first.
func (c *Context) Lookup(name string) (any, bool) {
	return c.Properties().Find(name)
}

// Assign sets the nearest declared property called name.
func (c *Context) Assign(name string, value any) error {
	return c.Properties().Set(name, value)
}

// GetLocal decodes the instance-local value stored under key into dst.
func (c *Context) GetLocal(key string, dst any) bool {
	return c.inst.GetLocal(key, dst)
}

// SetLocal stores an instance-local value. Values are kept JSON-encoded so
// they survive persistence unchanged.
func (c *Context) SetLocal(key string, v any) {
	c.inst.setLocal(key, v)
}

// IntLocal returns the integer local stored under key, or 0.
func (c *Context) IntLocal(key string) int {
	var n int
	c.GetLocal(key, &n)
	return n
}

// BoolLocal returns the boolean local stored under key, or false.
func (c *Context) BoolLocal(key string) bool {
	var b bool
	c.GetLocal(key, &b)
	return b
}

// Emit sends a diagnostic event for the current activity.
func (c *Context) Emit(msg string, meta map[string]any) {
	c.ex.emit(c.inst, msg, meta)
}
