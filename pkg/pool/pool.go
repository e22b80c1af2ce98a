// Package pool keeps the registry of browser instances.
//
// Each instance carries its own lock for health, assignment and counters.
// The registry lock guards membership only, and the two are never held
// together while calling into the launcher or the balancer. Acquire asks the
// balancer to choose among a snapshot of candidates and then claims the
// chosen instance under its own lock, so an instance is never handed to two
// callers before the matching Release.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cdpkit/fleet/pkg/balancer"
	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/retry"
	"github.com/cdpkit/fleet/pkg/task"
)

// ErrClosed is returned by operations on a closed pool
var ErrClosed = errors.New("pool: closed")

// Launcher starts and stops browser processes. *procmgr.Manager implements it.
type Launcher interface {
	Launch(ctx context.Context, spec procmgr.LaunchSpec) (*procmgr.Process, error)
	Terminate(ctx context.Context, p *procmgr.Process, force bool) error
	IsAlive(p *procmgr.Process) bool
}

// AcquireRequest describes who wants an instance and how long to wait
type AcquireRequest struct {
	TaskID task.ID

	// Wait bounds how long Acquire blocks. Zero or less fails immediately.
	Wait time.Duration

	// Avoid lists instances to skip unless nothing else is available
	Avoid []task.InstanceID
}

// Stats summarizes the pool
type Stats struct {
	Total     int
	Available int
	Busy      int
	Unhealthy int
	Starting  int
	Stopping  int
	Failed    int

	Processed   uint64
	FailedTasks uint64
	Strategy    balancer.Strategy
	CreatedAt   time.Time
}

// Gauge converts the stats to the metrics breakdown
func (s Stats) Gauge() metrics.PoolGauge {
	return metrics.PoolGauge{
		Total:     s.Total,
		Available: s.Available,
		Busy:      s.Busy,
		Unhealthy: s.Unhealthy,
	}
}

// Pool is a bounded set of browser instances
type Pool struct {
	cfg      Config
	launcher Launcher
	balancer *balancer.Balancer
	ports    *procmgr.PortAllocator
	logger   *zap.Logger
	recorder metrics.Recorder
	clock    retry.Clock
	balOpts  []balancer.Option

	mu        sync.RWMutex
	instances map[task.InstanceID]*instance
	nextID    uint64
	nextSeq   uint64
	closed    bool

	// changed is closed and replaced whenever an instance may have become
	// available
	sigMu   sync.Mutex
	changed chan struct{}

	scaleMu sync.Mutex

	processed   atomic.Uint64
	failedTasks atomic.Uint64
	createdAt   time.Time
}

// Option configures the Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pool) {
		p.recorder = r
	}
}

// WithPorts sets the control port allocator
func WithPorts(a *procmgr.PortAllocator) Option {
	return func(p *Pool) {
		p.ports = a
	}
}

// WithClock sets the clock used for timestamps, acquire deadlines and
// launch retry delays
func WithClock(c retry.Clock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithBalancerOptions passes options to the load balancer
func WithBalancerOptions(opts ...balancer.Option) Option {
	return func(p *Pool) {
		p.balOpts = append(p.balOpts, opts...)
	}
}

// New launches the initial instances. It fails with PoolInitFailed when
// fewer than MinSize instances come up; anything already launched is torn
// down first.
func New(ctx context.Context, cfg Config, launcher Launcher, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if launcher == nil {
		return nil, fleeterr.New(fleeterr.CodeInvalidParam, "launcher is required")
	}

	p := &Pool{
		cfg:       cfg,
		launcher:  launcher,
		logger:    zap.NewNop(),
		recorder:  metrics.NewNoopRecorder(),
		clock:     retry.RealClock{},
		instances: make(map[task.InstanceID]*instance),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.createdAt = p.clock.Now()
	if p.ports == nil {
		p.ports = procmgr.NewPortAllocator(cfg.BasePort)
	}

	threshold := cfg.ErrorThreshold
	if threshold == 0 {
		threshold = balancer.DefaultErrorThreshold
	}
	strategy, _ := balancer.ParseStrategy(cfg.Strategy)
	b, err := balancer.New(strategy, append([]balancer.Option{balancer.WithErrorThreshold(threshold)}, p.balOpts...)...)
	if err != nil {
		return nil, err
	}
	p.balancer = b

	growErr := p.grow(ctx, cfg.InitialSize)
	if n := p.Size(); n < cfg.MinSize || (cfg.InitialSize > 0 && n == 0) {
		if cerr := p.Close(ctx); cerr != nil {
			p.logger.Warn("teardown after failed init", zap.Error(cerr))
		}
		return nil, fleeterr.Wrap(fleeterr.CodePoolInitFailed, growErr, "pool did not reach its minimum size").
			WithContext("launched", n).
			WithContext("min", cfg.MinSize)
	}
	if growErr != nil {
		p.logger.Warn("pool started below its initial size",
			zap.Int("size", p.Size()),
			zap.Int("initial", cfg.InitialSize),
			zap.Error(growErr))
	}

	p.logger.Info("pool ready",
		zap.Int("size", p.Size()),
		zap.String("strategy", string(strategy)))
	p.publish()
	return p, nil
}

// Acquire returns an instance chosen by the balancer and marks it busy
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) (InstanceInfo, error) {
	var deadline time.Time
	if req.Wait > 0 {
		deadline = p.clock.Now().Add(req.Wait)
	}

	for {
		// Grab the signal channel before looking so a release in between
		// is not missed
		changed := p.waitChan()
		if p.isClosed() {
			return InstanceInfo{}, ErrClosed
		}

		info, err := p.tryAcquire(req)
		if err == nil {
			return info, nil
		}
		if req.Wait <= 0 {
			return InstanceInfo{}, err
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return InstanceInfo{}, err
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return InstanceInfo{}, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Pool) tryAcquire(req AcquireRequest) (InstanceInfo, error) {
	members := p.members()
	byID := make(map[task.InstanceID]*instance, len(members))
	candidates := make([]balancer.Candidate, len(members))
	for i, in := range members {
		byID[in.id] = in
		candidates[i] = in.candidate()
	}

	for {
		c, err := p.balancer.Select(candidates, req.Avoid...)
		if err != nil {
			return InstanceInfo{}, err
		}

		in := byID[c.ID]
		in.mu.Lock()
		if in.claimLocked(req.TaskID) {
			info := in.infoLocked()
			in.mu.Unlock()

			p.logger.Debug("instance acquired",
				zap.Uint64("instance", uint64(c.ID)),
				zap.Uint64("task", uint64(req.TaskID)))
			p.publish()
			return info, nil
		}
		in.mu.Unlock()

		// Lost a race for this one; choose again without it
		for i := range candidates {
			if candidates[i].ID == c.ID {
				candidates[i].Available = false
			}
		}
	}
}

// Release makes an instance available again. Releasing an instance that is
// not held, or that left the pool, is a no-op.
func (p *Pool) Release(id task.InstanceID) {
	in := p.lookup(id)
	if in == nil {
		return
	}

	in.mu.Lock()
	if !in.leased {
		in.mu.Unlock()
		return
	}
	in.leased = false
	in.currentTask = 0
	in.lastUsed = p.clock.Now()
	in.settleLocked()
	in.mu.Unlock()

	p.notify()
	p.publish()
}

// Report records the outcome of one task attempt on an instance
func (p *Pool) Report(id task.InstanceID, d time.Duration, err error) {
	if err == nil {
		p.processed.Add(1)
	} else {
		p.failedTasks.Add(1)
	}

	in := p.lookup(id)
	if in == nil {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	n := in.completed + in.failed + 1
	in.avgResponse += (d - in.avgResponse) / time.Duration(n)
	if err == nil {
		in.completed++
		return
	}
	in.failed++
	in.errors++
	in.lastErr = err.Error()
}

// MarkUnhealthy takes an instance out of rotation
func (p *Pool) MarkUnhealthy(id task.InstanceID, cause error) error {
	in := p.lookup(id)
	if in == nil {
		return instanceNotFound(id)
	}

	in.mu.Lock()
	wasHealthy := in.healthy
	in.healthy = false
	in.healthFailures++
	if cause != nil {
		in.lastErr = cause.Error()
	}
	in.settleLocked()
	in.mu.Unlock()

	if wasHealthy {
		p.logger.Warn("instance marked unhealthy",
			zap.Uint64("instance", uint64(id)),
			zap.Error(cause))
		p.publish()
	}
	return nil
}

// MarkHealthy returns an instance to rotation
func (p *Pool) MarkHealthy(id task.InstanceID) error {
	in := p.lookup(id)
	if in == nil {
		return instanceNotFound(id)
	}

	in.mu.Lock()
	wasHealthy := in.healthy
	if in.state == StateRunning {
		in.healthy = true
	}
	in.settleLocked()
	healthy := in.healthy
	in.mu.Unlock()

	if !wasHealthy && healthy {
		p.logger.Info("instance recovered", zap.Uint64("instance", uint64(id)))
		p.notify()
		p.publish()
	}
	return nil
}

// IsAlive reports whether the instance's process is running
func (p *Pool) IsAlive(id task.InstanceID) bool {
	in := p.lookup(id)
	if in == nil {
		return false
	}

	in.mu.Lock()
	proc := in.proc
	in.mu.Unlock()

	if proc == nil {
		return false
	}
	return p.launcher.IsAlive(proc)
}

// UpdateUsage stores the latest resource sample of an instance
func (p *Pool) UpdateUsage(id task.InstanceID, u procmgr.Usage) error {
	in := p.lookup(id)
	if in == nil {
		return instanceNotFound(id)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.cpuPercent = u.CPUPercent
	in.memoryBytes = u.MemoryBytes
	return nil
}

// Get returns a snapshot of one instance
func (p *Pool) Get(id task.InstanceID) (InstanceInfo, error) {
	in := p.lookup(id)
	if in == nil {
		return InstanceInfo{}, instanceNotFound(id)
	}
	return in.info(), nil
}

// Instances returns snapshots of all instances in registration order
func (p *Pool) Instances() []InstanceInfo {
	members := p.members()
	out := make([]InstanceInfo, len(members))
	for i, in := range members {
		out[i] = in.info()
	}
	return out
}

// Size returns the number of instances in the registry, including ones
// still starting or stopping
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// Stats returns a summary of the pool
func (p *Pool) Stats() Stats {
	s := Stats{
		Processed:   p.processed.Load(),
		FailedTasks: p.failedTasks.Load(),
		Strategy:    p.balancer.Strategy(),
		CreatedAt:   p.createdAt,
	}

	for _, info := range p.Instances() {
		s.Total++
		switch info.State {
		case StateStarting:
			s.Starting++
		case StateStopping:
			s.Stopping++
		case StateFailed, StateCrashed:
			s.Failed++
		}
		if info.Available {
			s.Available++
		}
		if info.Busy {
			s.Busy++
		}
		if !info.Healthy && info.State != StateStarting {
			s.Unhealthy++
		}
	}
	return s
}

// Strategy returns the active balance strategy
func (p *Pool) Strategy() balancer.Strategy {
	return p.balancer.Strategy()
}

// SetStrategy switches the balance strategy without restarting the pool
func (p *Pool) SetStrategy(s balancer.Strategy) error {
	if err := p.balancer.SetStrategy(s); err != nil {
		return err
	}
	p.logger.Info("balance strategy changed", zap.String("strategy", string(s)))
	return nil
}

// Config returns the pool configuration
func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) lookup(id task.InstanceID) *instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.instances[id]
}

func (p *Pool) members() []*instance {
	p.mu.RLock()
	out := make([]*instance, 0, len(p.instances))
	for _, in := range p.instances {
		out = append(out, in)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) waitChan() <-chan struct{} {
	p.sigMu.Lock()
	defer p.sigMu.Unlock()
	return p.changed
}

func (p *Pool) notify() {
	p.sigMu.Lock()
	defer p.sigMu.Unlock()
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) publish() {
	p.recorder.PoolState(p.Stats().Gauge())
}

func instanceNotFound(id task.InstanceID) error {
	return fleeterr.Newf(fleeterr.CodeInstanceNotFound, "instance %d not found", id)
}

// joinErrors keeps a lone error unwrapped for readable messages
func joinErrors(errs []error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return errors.Join(kept...)
	}
}

// grow launches n instances in parallel
func (p *Pool) grow(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	limit := p.cfg.LaunchParallelism
	if limit <= 0 {
		limit = n
	}

	var g errgroup.Group
	g.SetLimit(limit)

	errs := make([]error, n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, errs[i] = p.addInstance(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return joinErrors(errs)
}
