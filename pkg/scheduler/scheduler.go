// Package scheduler dispatches queued tasks to pool instances.
//
// A fixed set of workers pulls tasks from a priority queue, leases an
// instance from the pool, runs the handler registered for the task type and
// records the outcome. Failures are retried under a retry.Policy; when the
// instance itself is at fault the task fails over to another instance.
//
// Task records belong to the scheduler. Callers get value copies from Get and
// WaitFor and a completion channel from Done.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/queue"
	"github.com/cdpkit/fleet/pkg/retry"
	"github.com/cdpkit/fleet/pkg/task"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("scheduler: stopped")

// InstancePool is the pool surface the scheduler dispatches through.
// *pool.Pool implements it.
type InstancePool interface {
	Acquire(ctx context.Context, req pool.AcquireRequest) (pool.InstanceInfo, error)
	Release(id task.InstanceID)
	Report(id task.InstanceID, d time.Duration, err error)
	Get(id task.InstanceID) (pool.InstanceInfo, error)
	IsAlive(id task.InstanceID) bool
	MarkUnhealthy(id task.InstanceID, cause error) error
	Restart(ctx context.Context, id task.InstanceID) error
}

// Handler runs one attempt of a task on an instance and returns its result.
// It must honor ctx, which carries the per-attempt timeout.
type Handler func(ctx context.Context, t task.Task, inst pool.InstanceInfo) ([]byte, error)

// record is the scheduler-owned state of one task. t and the flags are
// guarded by Scheduler.mu.
type record struct {
	t    task.Task
	done chan struct{}

	cancelRequested bool
	observed        bool
	avoid           []task.InstanceID
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Queued   int
	InFlight int
	Tracked  int
	Workers  int
}

// Scheduler runs tasks on a pool
type Scheduler struct {
	cfg      Config
	pool     InstancePool
	queue    *queue.Queue
	logger   *zap.Logger
	recorder metrics.Recorder
	clock    retry.Clock

	nextID atomic.Uint64

	mu    sync.RWMutex
	tasks map[task.ID]*record

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	lifecycleMu sync.Mutex
	started     bool
	stopped     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	workers     sync.WaitGroup
	background  sync.WaitGroup
}

// Option configures the Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithClock sets the time source for task timestamps and queue aging
func WithClock(c retry.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// New creates a scheduler over p. Workers start with Start.
func New(cfg Config, p InstancePool, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fleeterr.New(fleeterr.CodeInvalidParam, "scheduler pool is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		pool:     p,
		logger:   zap.NewNop(),
		recorder: metrics.NewNoopRecorder(),
		clock:    retry.RealClock{},
		tasks:    make(map[task.ID]*record),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	qopts := []queue.Option{queue.WithNow(s.clock.Now)}
	if cfg.AgingInterval > 0 {
		qopts = append(qopts, queue.WithAging(cfg.AgingInterval))
	}
	q, err := queue.New(cfg.QueueCapacity, qopts...)
	if err != nil {
		cancel()
		return nil, err
	}
	s.queue = q
	return s, nil
}

// RegisterHandler sets the handler for a task type, replacing any previous one
func (s *Scheduler) RegisterHandler(taskType string, h Handler) error {
	if taskType == "" || h == nil {
		return fleeterr.New(fleeterr.CodeInvalidParam, "handler needs a task type and a function")
	}

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[taskType] = h
	return nil
}

func (s *Scheduler) handler(taskType string) Handler {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers[taskType]
}

// Start launches the workers and the retention sweep
func (s *Scheduler) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.stopped.Load() {
		return ErrStopped
	}
	if s.started {
		return fleeterr.New(fleeterr.CodeInvalidParam, "scheduler already started")
	}
	s.started = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.work(i)
	}
	s.background.Add(1)
	go s.janitor()

	s.logger.Info("scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("queue_capacity", s.cfg.QueueCapacity),
		zap.Bool("failover", s.cfg.EnableFailover))
	return nil
}

// Stop cancels every task still waiting in the queue, cancels in-flight
// dispatches and waits for the workers. It returns ctx.Err() if the workers
// outlive ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	s.queue.Close()

	drained := s.queue.Drain()
	for _, e := range drained {
		if rec := s.lookup(e.ID); rec != nil {
			s.finish(rec, task.StatusCancelled, func(t *task.Task) {
				t.LastError = fleeterr.New(fleeterr.CodeCancelled, "scheduler stopped")
			})
		}
	}
	s.recorder.QueueDepth(0)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.background.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out", zap.Error(ctx.Err()))
		return ctx.Err()
	}

	s.logger.Info("scheduler stopped", zap.Int("cancelled", len(drained)))
	return nil
}

// Submit queues a task without blocking. It fails with QueueFull when the
// queue is at capacity.
func (s *Scheduler) Submit(spec task.Spec) (task.ID, error) {
	return s.submit(spec, func(id task.ID, p task.Priority) error {
		return s.queue.Enqueue(id, p)
	})
}

// SubmitWait queues a task, waiting for space until ctx is done
func (s *Scheduler) SubmitWait(ctx context.Context, spec task.Spec) (task.ID, error) {
	return s.submit(spec, func(id task.ID, p task.Priority) error {
		return s.queue.EnqueueWait(ctx, id, p)
	})
}

func (s *Scheduler) submit(spec task.Spec, enqueue func(task.ID, task.Priority) error) (task.ID, error) {
	if spec.Type == "" {
		return 0, fleeterr.New(fleeterr.CodeInvalidParam, "task type is required")
	}
	if !spec.Priority.Valid() {
		return 0, fleeterr.Newf(fleeterr.CodeInvalidParam, "invalid priority %d", spec.Priority)
	}
	if spec.Timeout < 0 || spec.QueueTimeout < 0 {
		return 0, fleeterr.New(fleeterr.CodeInvalidParam, "task timeouts must not be negative")
	}
	if s.stopped.Load() {
		return 0, ErrStopped
	}

	now := s.clock.Now()
	id := task.ID(s.nextID.Add(1))
	t := task.New(id, spec, now)
	if t.Timeout == 0 {
		t.Timeout = s.cfg.DefaultTaskTimeout
	}
	if t.Payload != nil {
		t.Payload = append([]byte(nil), t.Payload...)
	}

	// the record is Queued before it becomes visible to workers
	t.Status = task.StatusQueued
	t.QueuedAt = now
	rec := &record{t: *t, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[id] = rec
	s.mu.Unlock()

	if err := enqueue(id, spec.Priority); err != nil {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
		if errors.Is(err, queue.ErrClosed) {
			return 0, ErrStopped
		}
		return 0, err
	}

	s.recorder.TaskTransition(task.StatusPending, task.StatusQueued)
	s.recorder.QueueDepth(s.queue.Len())
	s.logger.Debug("task submitted",
		zap.Uint64("task", uint64(id)),
		zap.String("type", spec.Type),
		zap.String("priority", spec.Priority.String()))
	return id, nil
}

// Cancel cancels a task. A queued task is removed and cancelled at once; a
// running task is cancelled before its next dispatch or retry. Cancelling a
// finished task does nothing.
func (s *Scheduler) Cancel(id task.ID) error {
	rec := s.lookup(id)
	if rec == nil {
		return taskNotFound(id)
	}

	s.mu.Lock()
	if rec.t.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	rec.cancelRequested = true
	s.mu.Unlock()

	if s.queue.Remove(id) {
		s.finish(rec, task.StatusCancelled, func(t *task.Task) {
			t.LastError = fleeterr.New(fleeterr.CodeCancelled, "task cancelled")
		})
		s.recorder.QueueDepth(s.queue.Len())
	}

	s.logger.Debug("task cancel requested", zap.Uint64("task", uint64(id)))
	return nil
}

// Get returns a snapshot of a task
func (s *Scheduler) Get(id task.ID) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return task.Task{}, taskNotFound(id)
	}
	return rec.t.Clone(), nil
}

// Done returns a channel closed when the task reaches a terminal status
func (s *Scheduler) Done(id task.ID) (<-chan struct{}, error) {
	rec := s.lookup(id)
	if rec == nil {
		return nil, taskNotFound(id)
	}
	return rec.done, nil
}

// WaitFor blocks until the task is terminal, timeout elapses or ctx is done.
// A timeout of zero waits on ctx alone. Observing the terminal status releases
// the record at the next retention sweep, or at once when RetainCompleted is
// zero.
//
// On timeout the current snapshot is returned with a Timeout error and the
// record stays tracked: the task keeps running, so a later WaitFor or Get can
// still read its result. A record nobody observes is freed by the retention
// sweep RetainCompleted after it finishes.
func (s *Scheduler) WaitFor(ctx context.Context, id task.ID, timeout time.Duration) (task.Task, error) {
	rec := s.lookup(id)
	if rec == nil {
		return task.Task{}, taskNotFound(id)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-rec.done:
		s.mu.Lock()
		rec.observed = true
		if s.cfg.RetainCompleted == 0 {
			delete(s.tasks, id)
		}
		t := rec.t.Clone()
		s.mu.Unlock()
		return t, nil

	case <-expired:
		t := s.snapshot(rec)
		return t, fleeterr.Newf(fleeterr.CodeTimeout, "task %d not finished after %s", id, timeout).
			WithContext("status", t.Status.String())

	case <-ctx.Done():
		return s.snapshot(rec), ctx.Err()
	}
}

// Stats returns queue and record counts
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	tracked := len(s.tasks)
	s.mu.RUnlock()

	return Stats{
		Queued:   s.queue.Len(),
		InFlight: s.queue.InFlight(),
		Tracked:  tracked,
		Workers:  s.cfg.Workers,
	}
}

func (s *Scheduler) lookup(id task.ID) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

func (s *Scheduler) snapshot(rec *record) task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rec.t.Clone()
}

// transition moves a task to a non-terminal status
func (s *Scheduler) transition(rec *record, to task.Status, mutate func(*task.Task)) bool {
	s.mu.Lock()
	from := rec.t.Status
	if !task.CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.Warn("invalid task transition",
			zap.Uint64("task", uint64(rec.t.ID)),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return false
	}
	rec.t.Status = to
	if mutate != nil {
		mutate(&rec.t)
	}
	s.mu.Unlock()

	s.recorder.TaskTransition(from, to)
	return true
}

// finish moves a task to a terminal status and completes its future
func (s *Scheduler) finish(rec *record, to task.Status, mutate func(*task.Task)) bool {
	now := s.clock.Now()
	ok := s.transition(rec, to, func(t *task.Task) {
		t.CompletedAt = now
		if mutate != nil {
			mutate(t)
		}
	})
	if ok {
		close(rec.done)
	}
	return ok
}

// janitor frees terminal records on the retention schedule
func (s *Scheduler) janitor() {
	defer s.background.Done()

	interval := s.cfg.RetainCompleted / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.sweep(s.clock.Now()); n > 0 {
				s.logger.Debug("released task records", zap.Int("count", n))
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// sweep frees observed terminal records and unobserved ones older than
// RetainCompleted
func (s *Scheduler) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.tasks {
		if !rec.t.Status.IsTerminal() {
			continue
		}
		if rec.observed || now.Sub(rec.t.CompletedAt) >= s.cfg.RetainCompleted {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

func taskNotFound(id task.ID) error {
	return fleeterr.Newf(fleeterr.CodeTaskNotFound, "task %d not found", id).
		WithContext("task", id)
}
