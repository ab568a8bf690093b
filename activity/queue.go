package activity

import "container/heap"

type workKind int

const (
	workExecute workKind = iota
	workComplete
	workResume
	workCancel
)

var workKindNames = [...]string{"execute", "complete", "resume", "cancel"}

func (k workKind) String() string {
	return workKindNames[k]
}

// workItem is a unit of work processed in a single execution turn.
type workItem struct {
	// seq is the monotonically increasing enqueue order. Items are always
	// processed in seq order so a run is deterministic.
	seq      int64
	kind     workKind
	inst     *Instance
	bookmark Bookmark
	value    any

	// processed and dropped record the outcome of a resume item.
	processed bool
	dropped   bool
}

// workQueue is a min-heap of work items ordered by seq.
type workQueue []*workItem

func (q workQueue) Len() int           { return len(q) }
func (q workQueue) Less(i, j int) bool { return q[i].seq < q[j].seq }
func (q workQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *workQueue) Push(x any) {
	*q = append(*q, x.(*workItem))
}

func (q *workQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *workQueue) push(item *workItem) {
	heap.Push(q, item)
}

func (q *workQueue) pop() *workItem {
	return heap.Pop(q).(*workItem)
}

// sorted returns the queued items in processing order without modifying the
// queue.
func (q workQueue) sorted() []*workItem {
	c := make(workQueue, len(q))
	copy(c, q)
	out := make([]*workItem, 0, len(c))
	for c.Len() > 0 {
		out = append(out, heap.Pop(&c).(*workItem))
	}
	return out
}
