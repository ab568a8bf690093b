package activity

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// TimerRetryInterval is the delay applied by RetryTimer.
const TimerRetryInterval = 10 * time.Second

// TimerEntry is one pending timer.
type TimerEntry struct {
	Bookmark   Bookmark  `json:"bookmark"`
	Expiration time.Time `json:"expiration"`
}

func (e TimerEntry) less(o TimerEntry) bool {
	if !e.Expiration.Equal(o.Expiration) {
		return e.Expiration.Before(o.Expiration)
	}
	return e.Bookmark.Less(o.Bookmark)
}

type timerOp struct {
	retry    bool
	bookmark Bookmark
}

type timerItem struct {
	entry TimerEntry
	index int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].entry.less(h[j].entry) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TimerTable is the durable table of pending timers of one workflow.
//
// Timers are ordered by expiration, then by bookmark (named before anonymous,
// names alphabetically, anonymous by ID), so that due timers are always
// reported in the same order. At most one timer exists per bookmark.
//
// While a snapshot of the table is being persisted the table can be marked
// immutable. RemoveTimer and RetryTimer calls made in that window are
// buffered and replayed in order by MarkAsMutable, and the affected timers
// are no longer reported as due.
//
// TimerTable is safe for concurrent use.
type TimerTable struct {
	mu        sync.Mutex
	heap      timerHeap
	index     map[Bookmark]*timerItem
	immutable bool
	pending   []timerOp
	blocked   map[Bookmark]bool
	now       func() time.Time
}

// NewTimerTable returns an empty table that uses now as its clock.
func NewTimerTable(now func() time.Time) *TimerTable {
	if now == nil {
		now = time.Now
	}
	return &TimerTable{
		index:   map[Bookmark]*timerItem{},
		blocked: map[Bookmark]bool{},
		now:     now,
	}
}

// AddTimer registers a timer for b that expires after d. An existing timer
// for b is replaced.
func (t *TimerTable) AddTimer(d time.Duration, b Bookmark) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.add(TimerEntry{Bookmark: b, Expiration: t.now().Add(d)})
}

func (t *TimerTable) add(e TimerEntry) {
	if item, ok := t.index[e.Bookmark]; ok {
		item.entry = e
		heap.Fix(&t.heap, item.index)
		return
	}
	item := &timerItem{entry: e}
	heap.Push(&t.heap, item)
	t.index[e.Bookmark] = item
}

// RemoveTimer removes the timer for b, if any.
func (t *TimerTable) RemoveTimer(b Bookmark) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.immutable {
		t.pending = append(t.pending, timerOp{bookmark: b})
		t.blocked[b] = true
		return
	}
	t.remove(b)
}

func (t *TimerTable) remove(b Bookmark) {
	item, ok := t.index[b]
	if !ok {
		return
	}
	heap.Remove(&t.heap, item.index)
	delete(t.index, b)
}

// RetryTimer reschedules the timer for b to expire TimerRetryInterval from
// now. It is used when resuming the timer's bookmark reported not ready.
func (t *TimerTable) RetryTimer(b Bookmark) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.immutable {
		t.pending = append(t.pending, timerOp{retry: true, bookmark: b})
		t.blocked[b] = true
		return
	}
	t.retry(b)
}

func (t *TimerTable) retry(b Bookmark) {
	if _, ok := t.index[b]; !ok {
		return
	}
	t.add(TimerEntry{Bookmark: b, Expiration: t.now().Add(TimerRetryInterval)})
}

// MarkAsImmutable starts a persistence window.
func (t *TimerTable) MarkAsImmutable() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.immutable = true
}

// MarkAsMutable ends a persistence window and replays buffered operations
// in the order they were requested.
func (t *TimerTable) MarkAsMutable() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.immutable = false
	for _, op := range t.pending {
		if op.retry {
			t.retry(op.bookmark)
		} else {
			t.remove(op.bookmark)
		}
	}
	t.pending = nil
	t.blocked = map[Bookmark]bool{}
}

// IsImmutable reports whether a persistence window is open.
func (t *TimerTable) IsImmutable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.immutable
}

// NextDueTime returns the earliest expiration among timers without a
// buffered operation.
func (t *TimerTable) NextDueTime() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.blocked) == 0 {
		if len(t.heap) == 0 {
			return time.Time{}, false
		}
		return t.heap[0].entry.Expiration, true
	}

	var (
		next  time.Time
		found bool
	)
	for _, item := range t.heap {
		if t.blocked[item.entry.Bookmark] {
			continue
		}
		if !found || item.entry.Expiration.Before(next) {
			next, found = item.entry.Expiration, true
		}
	}
	return next, found
}

// DueTimers returns the bookmarks of timers that have expired at now, in
// table order. The timers stay in the table until removed.
func (t *TimerTable) DueTimers(now time.Time) []Bookmark {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []Bookmark
	for _, e := range t.sortedLocked() {
		if e.Expiration.After(now) {
			break
		}
		if t.blocked[e.Bookmark] {
			continue
		}
		due = append(due, e.Bookmark)
	}
	return due
}

// Len returns the number of timers in the table.
func (t *TimerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.heap)
}

// Entries returns every timer in table order.
func (t *TimerTable) Entries() []TimerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sortedLocked()
}

// Contains reports whether a timer exists for b.
func (t *TimerTable) Contains(b Bookmark) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.index[b]
	return ok
}

// Load replaces the contents of the table. An open persistence window is
// closed and its buffered operations are discarded.
func (t *TimerTable) Load(entries []TimerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.heap = nil
	t.index = map[Bookmark]*timerItem{}
	t.immutable = false
	t.pending = nil
	t.blocked = map[Bookmark]bool{}
	for _, e := range entries {
		t.add(e)
	}
}

func (t *TimerTable) sortedLocked() []TimerEntry {
	entries := make([]TimerEntry, len(t.heap))
	for i, item := range t.heap {
		entries[i] = item.entry
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].less(entries[j])
	})
	return entries
}
