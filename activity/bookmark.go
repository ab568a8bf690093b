package activity

import (
	"fmt"
	"sort"
)

// Bookmark identifies a point at which an activity waits for external input.
//
// Named bookmarks are addressed by name and are unique within a workflow
// instance. Anonymous bookmarks have an empty name and a generated ID.
type Bookmark struct {
	Name string `json:"name,omitempty"`
	ID   int64  `json:"id,omitempty"`
}

// NamedBookmark returns the bookmark with the given name.
func NamedBookmark(name string) Bookmark {
	return Bookmark{Name: name}
}

// IsNamed reports whether b is a named bookmark.
func (b Bookmark) IsNamed() bool {
	return b.Name != ""
}

func (b Bookmark) String() string {
	if b.IsNamed() {
		return b.Name
	}
	return fmt.Sprintf("#%d", b.ID)
}

// Less orders bookmarks deterministically: named bookmarks sort before
// anonymous ones, named bookmarks by name and anonymous ones by ID.
func (b Bookmark) Less(o Bookmark) bool {
	switch {
	case b.IsNamed() && o.IsNamed():
		return b.Name < o.Name
	case b.IsNamed():
		return true
	case o.IsNamed():
		return false
	default:
		return b.ID < o.ID
	}
}

// BookmarkOptions modify bookmark behavior.
type BookmarkOptions uint8

const (
	// BookmarkBlocking is the default. The owning instance cannot complete
	// while the bookmark exists.
	BookmarkBlocking BookmarkOptions = 0

	// BookmarkNonBlocking bookmarks do not keep their owner alive. They are
	// removed when the owner completes.
	BookmarkNonBlocking BookmarkOptions = 1
)

// ResumeResult reports the outcome of a bookmark resumption.
type ResumeResult int

const (
	// ResumeSuccess means the resumption was accepted and its callback ran
	// (or is queued to run in the current turn).
	ResumeSuccess ResumeResult = iota

	// ResumeNotFound means no such bookmark exists, including one that was
	// already resumed.
	ResumeNotFound

	// ResumeNotReady means the bookmark does not exist yet but the workflow
	// still has work queued that may create it.
	ResumeNotReady
)

func (r ResumeResult) String() string {
	switch r {
	case ResumeSuccess:
		return "Success"
	case ResumeNotFound:
		return "NotFound"
	case ResumeNotReady:
		return "NotReady"
	default:
		return fmt.Sprintf("ResumeResult(%d)", int(r))
	}
}

// bookmarkRecord is a registered bookmark.
type bookmarkRecord struct {
	bookmark    Bookmark
	owner       *Instance
	stage       string
	nonBlocking bool

	// resuming is set once a resumption has been queued for the bookmark, so
	// that a second resumption in the same turn reports ResumeNotFound.
	resuming bool
}

// bookmarkObserver is implemented by extensions that track bookmarks, such
// as the timer extension, which drops the timer of a removed bookmark.
type bookmarkObserver interface {
	bookmarkRemoved(b Bookmark)
}

func (ex *executor) createBookmark(owner *Instance, name, stage string, opts BookmarkOptions) (Bookmark, error) {
	var b Bookmark
	if name != "" {
		b = Bookmark{Name: name}
		if _, ok := ex.bookmarks[b]; ok {
			return Bookmark{}, fmt.Errorf("%w: %s", ErrBookmarkExists, name)
		}
	} else {
		ex.nextBookmarkID++
		b = Bookmark{ID: ex.nextBookmarkID}
	}

	rec := &bookmarkRecord{
		bookmark:    b,
		owner:       owner,
		stage:       stage,
		nonBlocking: opts&BookmarkNonBlocking != 0,
	}
	ex.bookmarks[b] = rec
	if !rec.nonBlocking {
		owner.blocking++
	}

	ex.emit(owner, "bookmark_created", map[string]any{"bookmark": b.String()})
	return b, nil
}

func (ex *executor) removeBookmark(rec *bookmarkRecord) {
	if _, ok := ex.bookmarks[rec.bookmark]; !ok {
		return
	}
	delete(ex.bookmarks, rec.bookmark)
	if !rec.nonBlocking {
		rec.owner.blocking--
	}
	for _, x := range ex.extensions.list {
		if o, ok := x.(bookmarkObserver); ok {
			o.bookmarkRemoved(rec.bookmark)
		}
	}
}

// removeBookmarks removes every bookmark owned by inst.
func (ex *executor) removeBookmarks(inst *Instance) {
	for _, rec := range ex.bookmarksOf(inst) {
		ex.removeBookmark(rec)
	}
}

func (ex *executor) bookmarksOf(inst *Instance) []*bookmarkRecord {
	var recs []*bookmarkRecord
	for _, rec := range ex.bookmarks {
		if rec.owner == inst {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].bookmark.Less(recs[j].bookmark)
	})
	return recs
}

// queueResume queues a resumption of b for the current run. The returned
// item reports, once processed, whether the resumption was delivered.
func (ex *executor) queueResume(b Bookmark, value any) (*workItem, ResumeResult) {
	rec, ok := ex.bookmarks[b]
	if !ok || rec.resuming {
		return nil, ResumeNotFound
	}
	rec.resuming = true
	item := &workItem{kind: workResume, bookmark: b, value: value}
	ex.enqueue(item)
	return item, ResumeSuccess
}

// sortedBookmarks returns the registered bookmarks in deterministic order.
func (ex *executor) sortedBookmarks() []*bookmarkRecord {
	recs := make([]*bookmarkRecord, 0, len(ex.bookmarks))
	for _, rec := range ex.bookmarks {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].bookmark.Less(recs[j].bookmark)
	})
	return recs
}
