// Package queue implements the bounded, priority-aware task queue.
//
// Entries are ordered by priority, then FIFO within a priority. Capacity is
// shared between buffered entries and entries leased to a consumer: a
// consumer that dequeues an entry holds its slot until it calls Done or
// hands the entry back with Requeue, so a retry can always be re-queued.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/task"
)

var (
	// ErrEmpty is returned by Dequeue when nothing became ready in time
	ErrEmpty = errors.New("queue: empty")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("queue: closed")
)

// Entry is a dequeued task reference
type Entry struct {
	ID       task.ID
	Priority task.Priority
}

// Queue is a bounded priority queue of task IDs
type Queue struct {
	mu       sync.Mutex
	capacity int
	buckets  [task.NumPriorities]*itemHeap
	delayed  *itemHeap
	items    map[task.ID]*item // buffered, ready or delayed
	leased   map[task.ID]*item // handed out to a consumer
	seq      uint64
	changed  chan struct{} // closed and replaced on every state change
	closed   bool

	agingInterval time.Duration
	now           func() time.Time
}

// Option configures the Queue
type Option func(*Queue)

// WithAging promotes a waiting entry by one priority class per interval.
// Zero disables aging.
func WithAging(interval time.Duration) Option {
	return func(q *Queue) {
		q.agingInterval = interval
	}
}

// WithNow sets the time source
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue holding at most capacity entries
func New(capacity int, opts ...Option) (*Queue, error) {
	if capacity <= 0 {
		return nil, fleeterr.Newf(fleeterr.CodeInvalidParam, "queue capacity must be positive, got %d", capacity)
	}

	q := &Queue{
		capacity: capacity,
		delayed:  &itemHeap{byReady: true},
		items:    make(map[task.ID]*item),
		leased:   make(map[task.ID]*item),
		changed:  make(chan struct{}),
		now:      time.Now,
	}
	for i := range q.buckets {
		q.buckets[i] = &itemHeap{}
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue adds a task without blocking. It fails with QueueFull at capacity.
func (q *Queue) Enqueue(id task.ID, p task.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(id, p)
}

// EnqueueWait adds a task, waiting for space until ctx is done
func (q *Queue) EnqueueWait(ctx context.Context, id task.ID, p task.Priority) error {
	for {
		q.mu.Lock()
		err := q.enqueueLocked(id, p)
		changed := q.changed
		q.mu.Unlock()

		if !errors.Is(err, fleeterr.ErrQueueFull) {
			return err
		}

		select {
		case <-ctx.Done():
			return fleeterr.Wrap(fleeterr.CodeTimeout, ctx.Err(), "waiting for queue space")
		case <-changed:
		}
	}
}

func (q *Queue) enqueueLocked(id task.ID, p task.Priority) error {
	if q.closed {
		return ErrClosed
	}
	if !p.Valid() {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "invalid priority %d", p)
	}
	if _, ok := q.items[id]; ok {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "task %d already queued", id)
	}
	if _, ok := q.leased[id]; ok {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "task %d already dequeued", id)
	}
	if q.sizeLocked() >= q.capacity {
		return fleeterr.New(fleeterr.CodeQueueFull, "queue is at capacity").
			WithContext("capacity", q.capacity)
	}

	it := &item{id: id, priority: p}
	q.pushReadyLocked(it)
	q.items[id] = it
	q.broadcastLocked()
	return nil
}

// Dequeue removes the next ready entry. With wait <= 0 it does not block
// and returns ErrEmpty right away; otherwise it waits up to wait.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (Entry, error) {
	deadline := q.now().Add(wait)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Entry{}, ErrClosed
		}

		now := q.now()
		q.promoteLocked(now)
		if it := q.popLocked(now); it != nil {
			delete(q.items, it.id)
			q.leased[it.id] = it
			q.mu.Unlock()
			return Entry{ID: it.id, Priority: it.priority}, nil
		}

		changed := q.changed
		var nextReady time.Time
		if head := q.delayed.peek(); head != nil {
			nextReady = head.readyAt
		}
		q.mu.Unlock()

		remaining := deadline.Sub(now)
		if wait <= 0 || remaining <= 0 {
			return Entry{}, ErrEmpty
		}

		sleep := remaining
		if !nextReady.IsZero() && nextReady.Sub(now) < sleep {
			sleep = nextReady.Sub(now)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Entry{}, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Requeue hands a dequeued entry back to the queue after delay. The entry
// keeps its capacity slot, so Requeue never fails with QueueFull.
func (q *Queue) Requeue(id task.ID, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	it, ok := q.leased[id]
	if !ok {
		return fleeterr.Newf(fleeterr.CodeTaskNotFound, "task %d is not leased", id)
	}
	delete(q.leased, id)

	if delay > 0 {
		it.delayed = true
		it.readyAt = q.now().Add(delay)
		heap.Push(q.delayed, it)
	} else {
		q.pushReadyLocked(it)
	}
	q.items[id] = it
	q.broadcastLocked()
	return nil
}

// Done releases the capacity slot of a dequeued entry
func (q *Queue) Done(id task.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased[id]; ok {
		delete(q.leased, id)
		q.broadcastLocked()
	}
}

// Remove drops a buffered entry. It reports false when id is not buffered
// (unknown, already dequeued or leased).
func (q *Queue) Remove(id task.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return false
	}
	if it.delayed {
		heap.Remove(q.delayed, it.index)
	} else {
		heap.Remove(q.buckets[it.priority], it.index)
	}
	delete(q.items, id)
	q.broadcastLocked()
	return true
}

// Contains reports whether id is buffered
func (q *Queue) Contains(id task.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// Len returns the number of buffered entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns the number of leased entries
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leased)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return q.capacity
}

// Close wakes all waiters. Later calls to Enqueue, Requeue and Dequeue fail
// with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Drain removes and returns every buffered entry, ready or delayed
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, Entry{ID: it.id, Priority: it.priority})
	}
	for i := range q.buckets {
		q.buckets[i] = &itemHeap{}
	}
	q.delayed = &itemHeap{byReady: true}
	q.items = make(map[task.ID]*item)
	q.broadcastLocked()
	return out
}

func (q *Queue) sizeLocked() int {
	return len(q.items) + len(q.leased)
}

func (q *Queue) pushReadyLocked(it *item) {
	q.seq++
	it.seq = q.seq
	it.since = q.now()
	it.delayed = false
	it.readyAt = time.Time{}
	heap.Push(q.buckets[it.priority], it)
}

// promoteLocked moves delayed entries whose time has come into their buckets
func (q *Queue) promoteLocked(now time.Time) {
	for {
		head := q.delayed.peek()
		if head == nil || head.readyAt.After(now) {
			return
		}
		heap.Pop(q.delayed)
		q.pushReadyLocked(head)
	}
}

// popLocked selects among bucket heads by effective priority, then by
// arrival order.
func (q *Queue) popLocked(now time.Time) *item {
	var (
		best     *item
		bestPrio task.Priority
	)
	for p := len(q.buckets) - 1; p >= 0; p-- {
		head := q.buckets[p].peek()
		if head == nil {
			continue
		}
		eff := q.effectivePriority(head, now)
		if best == nil || eff > bestPrio || (eff == bestPrio && head.seq < best.seq) {
			best, bestPrio = head, eff
		}
	}
	if best == nil {
		return nil
	}
	heap.Pop(q.buckets[best.priority])
	return best
}

func (q *Queue) effectivePriority(it *item, now time.Time) task.Priority {
	if q.agingInterval <= 0 {
		return it.priority
	}
	boost := task.Priority(now.Sub(it.since) / q.agingInterval)
	eff := it.priority + boost
	if eff > task.PriorityCritical {
		eff = task.PriorityCritical
	}
	return eff
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
