package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/queue"
	"github.com/cdpkit/fleet/pkg/task"
)

func (s *Scheduler) work(n int) {
	defer s.workers.Done()

	logger := s.logger.With(zap.Int("worker", n))
	logger.Debug("worker started")

	for {
		entry, err := s.queue.Dequeue(s.ctx, s.cfg.PollInterval)
		switch {
		case err == nil:
			s.recorder.QueueDepth(s.queue.Len())
			s.process(logger, entry.ID)
		case errors.Is(err, queue.ErrEmpty):
			if s.ctx.Err() != nil {
				logger.Debug("worker stopped")
				return
			}
		default:
			logger.Debug("worker stopped", zap.Error(err))
			return
		}
	}
}

// process runs one dequeued task through a single dispatch attempt. Every
// path either finishes the task, returning its slot with Done, or hands the
// slot back with Requeue.
func (s *Scheduler) process(logger *zap.Logger, id task.ID) {
	ctx := s.ctx

	rec := s.lookup(id)
	if rec == nil {
		s.queue.Done(id)
		return
	}

	s.mu.RLock()
	t := rec.t.Clone()
	cancelled := rec.cancelRequested
	avoid := append([]task.InstanceID(nil), rec.avoid...)
	s.mu.RUnlock()

	logger = logger.With(zap.Uint64("task", uint64(id)), zap.String("type", t.Type))

	if cancelled || ctx.Err() != nil {
		s.cancelled(rec)
		return
	}

	if dl := t.Deadline(); !dl.IsZero() && !s.clock.Now().Before(dl) {
		s.fail(logger, rec, fleeterr.Newf(fleeterr.CodeTimeout, "task not dispatched within %s", t.QueueTimeout))
		return
	}

	h := s.handler(t.Type)
	if h == nil {
		s.fail(logger, rec, fleeterr.Newf(fleeterr.CodeNoHandler, "no handler for task type %q", t.Type))
		return
	}

	inst, err := s.pool.Acquire(ctx, pool.AcquireRequest{
		TaskID: id,
		Wait:   s.cfg.AcquireTimeout,
		Avoid:  avoid,
	})
	if err != nil {
		s.acquireFailed(logger, rec, t, err)
		return
	}

	started := s.clock.Now()
	if !s.transition(rec, task.StatusRunning, func(t *task.Task) {
		t.InstanceID = inst.ID
		t.StartedAt = started
	}) {
		s.pool.Release(inst.ID)
		s.queue.Done(id)
		return
	}
	t.InstanceID = inst.ID
	t.StartedAt = started

	logger.Debug("dispatching",
		zap.Uint64("instance", uint64(inst.ID)),
		zap.Int("attempt", t.RetryCount+1))

	result, herr := s.dispatch(ctx, h, t, inst)
	elapsed := s.clock.Now().Sub(started)

	s.pool.Report(inst.ID, elapsed, herr)
	s.recorder.TaskDuration(t.Type, elapsed, herr)

	failover := herr != nil && s.cfg.EnableFailover && s.instanceFault(inst.ID, herr)
	if failover {
		if err := s.pool.MarkUnhealthy(inst.ID, herr); err != nil {
			logger.Debug("mark unhealthy", zap.Error(err))
		}
	}
	s.pool.Release(inst.ID)
	if failover {
		s.restartAsync(logger, inst.ID)
	}

	if herr == nil {
		s.queue.Done(id)
		s.finish(rec, task.StatusCompleted, func(t *task.Task) {
			t.Result = result
			t.LastError = nil
		})
		logger.Debug("task completed", zap.Duration("duration", elapsed))
		return
	}

	if ctx.Err() != nil || s.cancelRequested(rec) {
		s.cancelled(rec)
		return
	}

	s.retry(logger, rec, inst.ID, herr, failover)
}

// dispatch runs the handler under the per-attempt timeout
func (s *Scheduler) dispatch(ctx context.Context, h Handler, t task.Task, inst pool.InstanceInfo) (result []byte, err error) {
	dctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	result, err = h(dctx, t, inst)
	if err != nil && ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		err = fleeterr.Wrap(fleeterr.CodeTimeout, err, "task attempt timed out").
			WithContext("timeout", t.Timeout.String())
	}
	return result, err
}

// instanceFault reports whether a failed attempt is the instance's fault
func (s *Scheduler) instanceFault(id task.InstanceID, err error) bool {
	if fleeterr.HasCode(err, fleeterr.CodeHealthCheckFailed) {
		return true
	}
	if !s.pool.IsAlive(id) {
		return true
	}
	info, gerr := s.pool.Get(id)
	return gerr != nil || !info.Healthy
}

func (s *Scheduler) restartAsync(logger *zap.Logger, id task.InstanceID) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.pool.Restart(s.ctx, id); err != nil {
			logger.Warn("failover restart failed", zap.Uint64("instance", uint64(id)), zap.Error(err))
		}
	}()
}

func (s *Scheduler) acquireFailed(logger *zap.Logger, rec *record, t task.Task, err error) {
	if s.ctx.Err() != nil {
		s.cancelled(rec)
		return
	}
	if !errors.Is(err, fleeterr.ErrPoolEmpty) {
		s.fail(logger, rec, err)
		return
	}

	if dl := t.Deadline(); !dl.IsZero() && !s.clock.Now().Add(s.cfg.PoolEmptyBackoff).Before(dl) {
		s.fail(logger, rec, fleeterr.Wrap(fleeterr.CodeTimeout, err, "no instance before queue timeout").
			WithContext("queue_timeout", t.QueueTimeout.String()))
		return
	}

	logger.Debug("no instance available, backing off", zap.Duration("backoff", s.cfg.PoolEmptyBackoff))
	if rerr := s.queue.Requeue(t.ID, s.cfg.PoolEmptyBackoff); rerr != nil {
		s.cancelled(rec)
	}
}

// retry counts a failed attempt and either re-queues the task or fails it
func (s *Scheduler) retry(logger *zap.Logger, rec *record, inst task.InstanceID, cause error, failover bool) {
	s.mu.RLock()
	retries := rec.t.RetryCount + 1
	s.mu.RUnlock()

	if s.cfg.Retry.Exhausted(retries) {
		s.fail(logger, rec, fleeterr.Wrap(fleeterr.CodeMaxRetriesExceeded, cause, "task failed after retries").
			WithContext("retries", retries-1))
		return
	}

	s.transition(rec, task.StatusRetrying, func(t *task.Task) {
		t.RetryCount = retries
		t.LastError = cause
		t.InstanceID = 0
	})

	if failover {
		s.mu.Lock()
		rec.avoid = append(rec.avoid, inst)
		s.mu.Unlock()
	}

	delay := s.cfg.Retry.Delay(retries - 1)
	now := s.clock.Now()
	s.transition(rec, task.StatusQueued, func(t *task.Task) {
		t.QueuedAt = now
	})

	logger.Info("retrying task",
		zap.Int("retry", retries),
		zap.Duration("delay", delay),
		zap.Bool("failover", failover),
		zap.Error(cause))

	if err := s.queue.Requeue(rec.t.ID, delay); err != nil {
		s.cancelled(rec)
	}
}

func (s *Scheduler) cancelRequested(rec *record) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rec.cancelRequested
}

// cancelled returns the slot and finishes the task as Cancelled
func (s *Scheduler) cancelled(rec *record) {
	s.queue.Done(rec.t.ID)
	s.finish(rec, task.StatusCancelled, func(t *task.Task) {
		t.LastError = fleeterr.New(fleeterr.CodeCancelled, "task cancelled")
	})
}

// fail returns the slot and finishes the task as Failed
func (s *Scheduler) fail(logger *zap.Logger, rec *record, err error) {
	s.queue.Done(rec.t.ID)
	s.finish(rec, task.StatusFailed, func(t *task.Task) {
		t.LastError = err
	})
	logger.Warn("task failed", zap.Error(err))
}
