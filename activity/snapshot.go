package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// PersistenceParticipant is implemented by extensions that carry state which
// must survive persistence. Values are keyed by the extension's type name.
type PersistenceParticipant interface {
	CollectValues() (map[string]any, error)
	PublishValues(values map[string]json.RawMessage) error
}

// Snapshot is the persisted form of a workflow instance.
//
// A snapshot can only be restored against a Program compiled from the same
// activity tree: instances refer to activities by activity ID. Property and
// queued resume values go through encoding/json, so numbers come back as
// float64 and structs as map[string]any.
type Snapshot struct {
	WorkflowID     string `json:"workflowID"`
	Turn           int    `json:"turn"`
	Status         Status `json:"status"`
	Error          string `json:"error,omitempty"`
	Seq            int64  `json:"seq"`
	NextInstanceID int64  `json:"nextInstanceID"`
	NextBookmarkID int64  `json:"nextBookmarkID"`

	Root      int64              `json:"root"`
	Secondary []int64            `json:"secondary,omitempty"`
	Instances []InstanceSnapshot `json:"instances"`
	Bookmarks []BookmarkSnapshot `json:"bookmarks,omitempty"`
	Queue     []WorkItemSnapshot `json:"queue,omitempty"`

	Outputs    map[string]any                        `json:"outputs,omitempty"`
	Extensions map[string]map[string]json.RawMessage `json:"extensions,omitempty"`
}

// InstanceSnapshot is the persisted form of an Instance.
type InstanceSnapshot struct {
	ID              int64                      `json:"id"`
	ActivityID      string                     `json:"activityID"`
	State           InstanceState              `json:"state"`
	Parent          int64                      `json:"parent,omitempty"`
	Children        []int64                    `json:"children,omitempty"`
	OnCompleted     string                     `json:"onCompleted,omitempty"`
	OnFaulted       string                     `json:"onFaulted,omitempty"`
	Started         bool                       `json:"started,omitempty"`
	CancelRequested bool                       `json:"cancelRequested,omitempty"`
	MarkedCanceled  bool                       `json:"markedCanceled,omitempty"`
	Secondary       bool                       `json:"secondary,omitempty"`
	Error           string                     `json:"error,omitempty"`
	Locals          map[string]json.RawMessage `json:"locals,omitempty"`
	Properties      map[string]any             `json:"properties,omitempty"`
}

// BookmarkSnapshot is the persisted form of a registered bookmark.
type BookmarkSnapshot struct {
	Bookmark    Bookmark `json:"bookmark"`
	Owner       int64    `json:"owner"`
	Stage       string   `json:"stage,omitempty"`
	NonBlocking bool     `json:"nonBlocking,omitempty"`
	Resuming    bool     `json:"resuming,omitempty"`
}

// WorkItemSnapshot is the persisted form of a queued work item.
type WorkItemSnapshot struct {
	Seq      int64    `json:"seq"`
	Kind     string   `json:"kind"`
	Instance int64    `json:"instance,omitempty"`
	Bookmark Bookmark `json:"bookmark"`
	Value    any      `json:"value,omitempty"`
}

func extensionKey(x any) string {
	return reflect.TypeOf(x).String()
}

// snapshot captures the executor state. It must not be called while a work
// item is being processed.
func (ex *executor) snapshot() (*Snapshot, error) {
	s := &Snapshot{
		WorkflowID:     ex.workflowID,
		Turn:           ex.turn,
		Status:         ex.currentStatus(),
		Seq:            ex.seq,
		NextInstanceID: ex.nextInstanceID,
		NextBookmarkID: ex.nextBookmarkID,
		Outputs:        ex.outputs,
	}
	if ex.err != nil {
		s.Error = ex.err.Error()
	}
	if ex.root != nil {
		s.Root = ex.root.id
	}
	for _, inst := range ex.secondary {
		s.Secondary = append(s.Secondary, inst.id)
	}

	ids := make([]int64, 0, len(ex.instances))
	for id := range ex.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.Instances = append(s.Instances, snapshotInstance(ex.instances[id]))
	}

	for _, rec := range ex.sortedBookmarks() {
		s.Bookmarks = append(s.Bookmarks, BookmarkSnapshot{
			Bookmark:    rec.bookmark,
			Owner:       rec.owner.id,
			Stage:       rec.stage,
			NonBlocking: rec.nonBlocking,
			Resuming:    rec.resuming,
		})
	}

	for _, item := range ex.queue.sorted() {
		w := WorkItemSnapshot{Seq: item.seq, Kind: item.kind.String(), Bookmark: item.bookmark, Value: item.value}
		if item.inst != nil {
			w.Instance = item.inst.id
		}
		s.Queue = append(s.Queue, w)
	}

	for _, x := range ex.extensions.list {
		p, ok := x.(PersistenceParticipant)
		if !ok {
			continue
		}
		values, err := p.CollectValues()
		if err != nil {
			return nil, fmt.Errorf("collect values of %s: %w", extensionKey(x), err)
		}
		encoded := make(map[string]json.RawMessage, len(values))
		for k, v := range values {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s value %q: %w", extensionKey(x), k, err)
			}
			encoded[k] = raw
		}
		if s.Extensions == nil {
			s.Extensions = map[string]map[string]json.RawMessage{}
		}
		s.Extensions[extensionKey(x)] = encoded
	}

	// Round-trip through JSON so the snapshot shares nothing with the live
	// instance tree and unencodable values are reported now.
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var out Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &out, nil
}

func snapshotInstance(inst *Instance) InstanceSnapshot {
	is := InstanceSnapshot{
		ID:              inst.id,
		ActivityID:      inst.ActivityID(),
		State:           inst.state,
		OnCompleted:     inst.onCompleted,
		OnFaulted:       inst.onFaulted,
		Started:         inst.started,
		CancelRequested: inst.cancelRequested,
		MarkedCanceled:  inst.markedCanceled,
		Secondary:       inst.secondary,
		Locals:          inst.locals,
	}
	if inst.parent != nil {
		is.Parent = inst.parent.id
	}
	for _, c := range inst.children {
		is.Children = append(is.Children, c.id)
	}
	if inst.err != nil {
		is.Error = inst.err.Error()
	}
	if len(inst.props) > 0 {
		is.Properties = inst.props
	}
	return is
}

// restore rebuilds the executor from s.
func (ex *executor) restore(s *Snapshot) error {
	ex.workflowID = s.WorkflowID
	ex.turn = s.Turn
	ex.status = s.Status
	if !s.Status.IsTerminal() {
		ex.status = StatusRunnable
	}
	ex.seq = s.Seq
	ex.nextInstanceID = s.NextInstanceID
	ex.nextBookmarkID = s.NextBookmarkID
	ex.outputs = s.Outputs
	ex.err = restoreError(s.Status, s.Error)

	byID := make(map[int64]*Instance, len(s.Instances))
	for _, is := range s.Instances {
		n, ok := ex.program.byID[is.ActivityID]
		if !ok {
			return &EngineError{
				Message: fmt.Sprintf("snapshot refers to unknown activity %q", is.ActivityID),
				Code:    "SNAPSHOT_MISMATCH",
			}
		}
		inst := &Instance{
			id:              is.ID,
			node:            n,
			state:           is.State,
			onCompleted:     is.OnCompleted,
			onFaulted:       is.OnFaulted,
			started:         is.Started,
			cancelRequested: is.CancelRequested,
			markedCanceled:  is.MarkedCanceled,
			secondary:       is.Secondary,
			locals:          is.Locals,
			props:           is.Properties,
		}
		if inst.props == nil {
			inst.props = map[string]any{}
		}
		if is.Error != "" {
			inst.err = errors.New(is.Error)
		}
		byID[is.ID] = inst
	}

	lookup := func(id int64) (*Instance, error) {
		inst, ok := byID[id]
		if !ok {
			return nil, &EngineError{
				Message: fmt.Sprintf("snapshot refers to unknown instance %d", id),
				Code:    "SNAPSHOT_MISMATCH",
			}
		}
		return inst, nil
	}

	for _, is := range s.Instances {
		inst := byID[is.ID]
		if is.Parent != 0 {
			p, err := lookup(is.Parent)
			if err != nil {
				return err
			}
			inst.parent = p
		}
		for _, cid := range is.Children {
			c, err := lookup(cid)
			if err != nil {
				return err
			}
			inst.children = append(inst.children, c)
		}
	}

	ex.instances = byID
	if inst, ok := byID[s.Root]; ok {
		ex.root = inst
	} else if s.Root != 0 {
		// The root already completed and was torn down.
		ex.root = &Instance{id: s.Root, node: ex.program.root, state: StateClosed, props: map[string]any{}}
	}
	for _, id := range s.Secondary {
		inst, err := lookup(id)
		if err != nil {
			return err
		}
		ex.secondary = append(ex.secondary, inst)
	}

	for _, bs := range s.Bookmarks {
		owner, err := lookup(bs.Owner)
		if err != nil {
			return err
		}
		ex.bookmarks[bs.Bookmark] = &bookmarkRecord{
			bookmark:    bs.Bookmark,
			owner:       owner,
			stage:       bs.Stage,
			nonBlocking: bs.NonBlocking,
			resuming:    bs.Resuming,
		}
		if !bs.NonBlocking {
			owner.blocking++
		}
	}

	for _, w := range s.Queue {
		kind, err := parseWorkKind(w.Kind)
		if err != nil {
			return err
		}
		item := &workItem{seq: w.Seq, kind: kind, bookmark: w.Bookmark, value: w.Value}
		if w.Instance != 0 {
			// Completions refer to instances that may already be gone.
			if inst, ok := byID[w.Instance]; ok {
				item.inst = inst
			} else {
				continue
			}
		}
		ex.queue.push(item)
	}

	for _, x := range ex.extensions.list {
		p, ok := x.(PersistenceParticipant)
		if !ok {
			continue
		}
		values, ok := s.Extensions[extensionKey(x)]
		if !ok {
			continue
		}
		if err := p.PublishValues(values); err != nil {
			return fmt.Errorf("publish values of %s: %w", extensionKey(x), err)
		}
	}
	return nil
}

func parseWorkKind(s string) (workKind, error) {
	for i, name := range workKindNames {
		if name == s {
			return workKind(i), nil
		}
	}
	return 0, &EngineError{Message: fmt.Sprintf("unknown work item kind %q", s), Code: "SNAPSHOT_MISMATCH"}
}

func restoreError(status Status, msg string) error {
	switch {
	case status == StatusCanceled:
		return ErrWorkflowCanceled
	case status == StatusAborted:
		return fmt.Errorf("%w: %s", ErrWorkflowAborted, strings.TrimPrefix(msg, ErrWorkflowAborted.Error()+": "))
	case msg != "":
		return errors.New(msg)
	default:
		return nil
	}
}
