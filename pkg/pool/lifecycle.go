package pool

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/task"
)

// Scale grows or shrinks the pool to target, clamped to the configured
// bounds. Shrinking stops the least recently used idle instances and never
// touches a busy one; when busy instances keep the pool above target it
// returns InstanceBusy.
func (p *Pool) Scale(ctx context.Context, target int) error {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	if p.isClosed() {
		return ErrClosed
	}

	clamped := max(p.cfg.MinSize, min(target, p.cfg.MaxSize))
	if clamped != target {
		p.logger.Info("scale target clamped",
			zap.Int("requested", target),
			zap.Int("target", clamped))
	}

	current := p.Size()
	switch {
	case clamped > current:
		p.logger.Info("scaling up", zap.Int("from", current), zap.Int("to", clamped))
		return p.grow(ctx, clamped-current)
	case clamped < current:
		p.logger.Info("scaling down", zap.Int("from", current), zap.Int("to", clamped))
		return p.shrink(ctx, current-clamped)
	}
	return nil
}

// Replenish launches instances until the pool is back at its minimum size
func (p *Pool) Replenish(ctx context.Context) error {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	if p.isClosed() {
		return ErrClosed
	}
	size := p.Size()
	short := p.cfg.MinSize - size
	if short <= 0 {
		return nil
	}
	p.logger.Info("replenishing pool", zap.Int("size", size), zap.Int("min", p.cfg.MinSize))
	return p.grow(ctx, short)
}

func (p *Pool) shrink(ctx context.Context, n int) error {
	type idle struct {
		in       *instance
		lastUsed time.Time
	}

	var candidates []idle
	for _, in := range p.members() {
		info := in.info()
		if info.Available && !info.Busy {
			candidates = append(candidates, idle{in: in, lastUsed: info.LastUsed})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	// Take victims out of rotation before stopping any of them
	var victims []*instance
	for _, c := range candidates {
		if len(victims) == n {
			break
		}
		c.in.mu.Lock()
		if c.in.available && !c.in.leased {
			c.in.available = false
			c.in.state = StateStopping
			victims = append(victims, c.in)
		}
		c.in.mu.Unlock()
	}

	errs := make([]error, 0, len(victims)+1)
	for _, in := range victims {
		errs = append(errs, p.teardown(ctx, in, false))
	}
	if short := n - len(victims); short > 0 {
		errs = append(errs, fleeterr.Newf(fleeterr.CodeInstanceBusy,
			"%d busy instances keep the pool above its target", short))
	}
	return joinErrors(errs)
}

// Kill stops an instance and removes it from the pool once it is gone
func (p *Pool) Kill(ctx context.Context, id task.InstanceID, force bool) error {
	in := p.lookup(id)
	if in == nil {
		return instanceNotFound(id)
	}
	return p.teardown(ctx, in, force)
}

// Restart replaces an instance's process, keeping its id. The new process
// gets a fresh pid and port. Concurrent restarts of one instance share a
// single attempt. Restarts are counted until the instance goes a full
// RestartWindow without one; an instance past its restart limit is removed
// and the pool is replenished up to its minimum size.
func (p *Pool) Restart(ctx context.Context, id task.InstanceID) error {
	in := p.lookup(id)
	if in == nil {
		return instanceNotFound(id)
	}

	in.mu.Lock()
	if done := in.restartDone; done != nil {
		in.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		in.mu.Lock()
		defer in.mu.Unlock()
		return in.restartErr
	}

	now := p.clock.Now()
	if w := p.cfg.RestartWindow; w > 0 && in.restarts > 0 && now.Sub(in.restartedAt) >= w {
		in.restarts = 0
	}
	if limit := in.config.MaxRestartAttempts; in.restarts >= limit {
		in.mu.Unlock()
		p.logger.Error("restart limit reached, removing instance",
			zap.Uint64("instance", uint64(id)),
			zap.Int("limit", limit))
		if err := p.teardown(ctx, in, true); err != nil {
			return err
		}
		if err := p.Replenish(ctx); err != nil {
			p.logger.Warn("replenish after removal", zap.Error(err))
		}
		return fleeterr.Newf(fleeterr.CodeMaxRetriesExceeded, "instance %d exceeded %d restarts", id, limit)
	}

	done := make(chan struct{})
	in.restartDone = done
	in.restarts++
	in.restartedAt = now
	in.state = StateStopping
	in.healthy = false
	in.available = false
	proc, oldPort := in.proc, in.port
	in.mu.Unlock()

	err := p.replace(ctx, in, proc, oldPort)

	in.mu.Lock()
	in.restartErr = err
	in.restartDone = nil
	in.settleLocked()
	in.mu.Unlock()
	close(done)

	p.notify()
	p.publish()
	return err
}

func (p *Pool) replace(ctx context.Context, in *instance, old *procmgr.Process, oldPort int) error {
	if old != nil {
		if err := p.launcher.Terminate(ctx, old, false); err != nil {
			in.mu.Lock()
			in.lastErr = err.Error()
			in.mu.Unlock()
			return err
		}
	}
	p.ports.Release(oldPort)

	in.mu.Lock()
	in.state = StateStarting
	in.port = 0
	in.mu.Unlock()

	if err := p.start(ctx, in); err != nil {
		in.mu.Lock()
		in.state = StateFailed
		in.mu.Unlock()
		return err
	}

	p.recorder.InstanceRestarted(in.id)
	info := in.info()
	p.logger.Info("instance restarted",
		zap.Uint64("instance", uint64(in.id)),
		zap.Int("pid", info.PID),
		zap.Int("port", info.Port),
		zap.Int("restarts", info.Restarts))
	return nil
}

// Close stops every instance. Once ctx is done remaining processes are
// killed without a grace period.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.notify()

	members := p.members()
	errs := make([]error, len(members))

	var g errgroup.Group
	for i, in := range members {
		g.Go(func() error {
			errs[i] = p.teardown(ctx, in, false)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("pool closed", zap.Int("instances", len(members)))
	return joinErrors(errs)
}

// addInstance registers a new instance and launches it with the launch
// retry policy
func (p *Pool) addInstance(ctx context.Context) (*instance, error) {
	in, err := p.reserve()
	if err != nil {
		return nil, err
	}

	err = p.cfg.LaunchRetry.Do(ctx, p.clock, func(ctx context.Context) error {
		return p.start(ctx, in)
	})
	if err != nil {
		in.mu.Lock()
		in.state = StateFailed
		in.mu.Unlock()
		p.unregister(in.id)
		return nil, err
	}

	p.notify()
	p.publish()
	return in, nil
}

// reserve takes an id and a registry slot
func (p *Pool) reserve() (*instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if len(p.instances) >= p.cfg.MaxSize {
		return nil, fleeterr.Newf(fleeterr.CodeInvalidParam, "pool is at its maximum size %d", p.cfg.MaxSize)
	}

	p.nextID++
	p.nextSeq++
	in := &instance{
		id:     task.InstanceID(p.nextID),
		seq:    p.nextSeq,
		config: p.cfg.Launch,
		state:  StateStarting,
	}
	p.instances[in.id] = in
	return in, nil
}

func (p *Pool) unregister(id task.InstanceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.instances, id)
}

// start launches a process for in on a fresh port
func (p *Pool) start(ctx context.Context, in *instance) error {
	port, err := p.ports.Allocate()
	if err != nil {
		return err
	}

	begin := time.Now()
	proc, err := p.launcher.Launch(ctx, procmgr.LaunchSpec{
		InstanceID: in.id,
		Port:       port,
		Config:     in.config,
	})
	p.recorder.InstanceLaunched(in.id, time.Since(begin), err)
	if err != nil {
		p.ports.Release(port)
		p.logger.Warn("instance launch failed",
			zap.Uint64("instance", uint64(in.id)),
			zap.Int("port", port),
			zap.Error(err))

		in.mu.Lock()
		in.lastErr = err.Error()
		in.mu.Unlock()
		return err
	}

	in.mu.Lock()
	in.proc = proc
	in.port = port
	in.state = StateRunning
	in.healthy = true
	in.lastErr = ""
	in.settleLocked()
	in.mu.Unlock()
	go p.watch(in, proc)

	p.logger.Info("instance started",
		zap.Uint64("instance", uint64(in.id)),
		zap.Int("pid", proc.PID),
		zap.Int("port", port),
		zap.Duration("duration", time.Since(begin)))
	return nil
}

// watch marks the instance crashed when its process exits on its own
func (p *Pool) watch(in *instance, proc *procmgr.Process) {
	<-proc.Exited()

	in.mu.Lock()
	if in.proc != proc || in.state != StateRunning {
		in.mu.Unlock()
		return
	}
	in.state = StateCrashed
	in.healthy = false
	in.lastErr = "process exited unexpectedly"
	in.settleLocked()
	in.mu.Unlock()

	p.logger.Warn("instance crashed",
		zap.Uint64("instance", uint64(in.id)),
		zap.Int("pid", proc.PID),
		zap.Error(proc.ExitErr()))
	p.publish()
}

// teardown terminates the process and drops the instance from the registry.
// On failure the instance stays registered in the stopping state.
func (p *Pool) teardown(ctx context.Context, in *instance, force bool) error {
	in.mu.Lock()
	proc, port := in.proc, in.port
	in.state = StateStopping
	in.available = false
	in.mu.Unlock()

	if proc != nil {
		if err := p.launcher.Terminate(ctx, proc, force); err != nil {
			in.mu.Lock()
			in.lastErr = err.Error()
			in.mu.Unlock()

			p.logger.Error("instance did not stop",
				zap.Uint64("instance", uint64(in.id)),
				zap.Int("pid", proc.PID),
				zap.Error(err))
			return err
		}
	}

	in.mu.Lock()
	in.state = StateStopped
	in.healthy = false
	in.mu.Unlock()

	p.unregister(in.id)
	if port != 0 {
		p.ports.Release(port)
	}
	p.recorder.InstanceTerminated(in.id)
	p.logger.Info("instance removed", zap.Uint64("instance", uint64(in.id)))

	p.notify()
	p.publish()
	return nil
}
