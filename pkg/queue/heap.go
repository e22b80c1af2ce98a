package queue

import (
	"time"

	"github.com/cdpkit/fleet/pkg/task"
)

// item represents a queued task
type item struct {
	id       task.ID
	priority task.Priority
	seq      uint64    // FIFO order within a priority
	since    time.Time // when the item last entered a priority bucket
	readyAt  time.Time // zero unless waiting in the delayed heap
	delayed  bool
	index    int // Index in heap (for heap.Interface)
}

// itemHeap implements heap.Interface. Ready buckets order by seq, the
// delayed heap orders by readyAt.
type itemHeap struct {
	items   []*item
	byReady bool
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.byReady && !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	return a.seq < b.seq
}

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	return it
}

func (h *itemHeap) peek() *item {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}
