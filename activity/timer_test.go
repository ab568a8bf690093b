package activity

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTimerTable_Ordering(t *testing.T) {
	clock := newFakeClock()
	table := NewTimerTable(clock.Now)

	table.AddTimer(time.Second, Bookmark{ID: 7})
	table.AddTimer(time.Second, NamedBookmark("b"))
	table.AddTimer(time.Second, Bookmark{ID: 3})
	table.AddTimer(time.Second, NamedBookmark("a"))
	table.AddTimer(500*time.Millisecond, Bookmark{ID: 9})

	clock.Advance(time.Second)
	want := []Bookmark{
		{ID: 9},
		NamedBookmark("a"),
		NamedBookmark("b"),
		{ID: 3},
		{ID: 7},
	}
	if diff := cmp.Diff(want, table.DueTimers(clock.Now())); diff != "" {
		t.Errorf("due timers mismatch (-want +got):\n%s", diff)
	}
}

func TestTimerTable_AddReplaces(t *testing.T) {
	clock := newFakeClock()
	table := NewTimerTable(clock.Now)

	b := Bookmark{ID: 1}
	table.AddTimer(time.Second, b)
	table.AddTimer(time.Minute, b)

	if table.Len() != 1 {
		t.Fatalf("Len = %d, want 1", table.Len())
	}
	next, ok := table.NextDueTime()
	if !ok || !next.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("NextDueTime = %v, %v", next, ok)
	}

	clock.Advance(time.Second)
	if due := table.DueTimers(clock.Now()); len(due) != 0 {
		t.Errorf("expected nothing due, got %v", due)
	}
}

func TestTimerTable_Immutable(t *testing.T) {
	clock := newFakeClock()
	table := NewTimerTable(clock.Now)

	a, b, c := Bookmark{ID: 1}, Bookmark{ID: 2}, Bookmark{ID: 3}
	table.AddTimer(time.Second, a)
	table.AddTimer(2*time.Second, b)
	table.AddTimer(3*time.Second, c)

	table.MarkAsImmutable()
	if !table.IsImmutable() {
		t.Fatal("expected immutable table")
	}

	table.RemoveTimer(a)
	table.RetryTimer(b)

	// Buffered operations leave the entries in place but hide them.
	if table.Len() != 3 {
		t.Fatalf("Len = %d, want 3", table.Len())
	}
	next, ok := table.NextDueTime()
	if !ok || !next.Equal(clock.Now().Add(3*time.Second)) {
		t.Errorf("NextDueTime = %v, %v; want the unblocked timer", next, ok)
	}

	clock.Advance(5 * time.Second)
	if diff := cmp.Diff([]Bookmark{c}, table.DueTimers(clock.Now())); diff != "" {
		t.Errorf("due timers mismatch (-want +got):\n%s", diff)
	}

	table.MarkAsMutable()
	if table.IsImmutable() {
		t.Fatal("expected mutable table")
	}

	want := []TimerEntry{
		{Bookmark: c, Expiration: clock.Now().Add(-2 * time.Second)},
		{Bookmark: b, Expiration: clock.Now().Add(TimerRetryInterval)},
	}
	if diff := cmp.Diff(want, table.Entries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestTimerTable_RetryUnknownIsNoop(t *testing.T) {
	table := NewTimerTable(nil)
	table.RetryTimer(NamedBookmark("missing"))
	table.RemoveTimer(NamedBookmark("missing"))
	if table.Len() != 0 {
		t.Errorf("Len = %d, want 0", table.Len())
	}
	if _, ok := table.NextDueTime(); ok {
		t.Error("expected no due time")
	}
}

func TestTimerTable_Load(t *testing.T) {
	clock := newFakeClock()
	table := NewTimerTable(clock.Now)
	table.AddTimer(time.Hour, Bookmark{ID: 99})

	entries := []TimerEntry{
		{Bookmark: NamedBookmark("x"), Expiration: clock.Now().Add(time.Minute)},
		{Bookmark: Bookmark{ID: 4}, Expiration: clock.Now()},
	}
	table.Load(entries)

	if table.Contains(Bookmark{ID: 99}) {
		t.Error("Load kept an old entry")
	}
	want := []TimerEntry{entries[1], entries[0]}
	if diff := cmp.Diff(want, table.Entries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestTimerTable_LoadDiscardsBufferedOperations(t *testing.T) {
	clock := newFakeClock()
	table := NewTimerTable(clock.Now)
	x := NamedBookmark("x")
	table.AddTimer(time.Minute, x)

	table.MarkAsImmutable()
	table.RemoveTimer(x)
	table.Load([]TimerEntry{{Bookmark: x, Expiration: clock.Now()}})

	if table.IsImmutable() {
		t.Error("Load left the table immutable")
	}
	if diff := cmp.Diff([]Bookmark{x}, table.DueTimers(clock.Now())); diff != "" {
		t.Errorf("due mismatch (-want +got):\n%s", diff)
	}

	table.MarkAsMutable()
	if !table.Contains(x) {
		t.Error("a removal buffered before Load was replayed")
	}
}

func TestTimerExtension_BookmarkRemoved(t *testing.T) {
	clock := newFakeClock()
	ext := NewTimerExtension(clock.Now)

	changes := 0
	ext.setOnChange(func() { changes++ })

	b := Bookmark{ID: 1}
	ext.RegisterTimer(time.Second, b)
	ext.bookmarkRemoved(b)
	ext.bookmarkRemoved(b)

	if ext.Table().Len() != 0 {
		t.Errorf("Len = %d, want 0", ext.Table().Len())
	}
	if changes != 2 {
		t.Errorf("changes = %d, want 2", changes)
	}
}
