// Package health runs periodic checks against pool instances.
//
// The Monitor never touches instance internals. It reads snapshots from its
// Target and reports back through MarkUnhealthy, MarkHealthy, UpdateUsage,
// Restart and Kill.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/task"
)

// Target is the pool surface the monitor works through. *pool.Pool
// implements it.
type Target interface {
	Instances() []pool.InstanceInfo
	IsAlive(id task.InstanceID) bool
	MarkUnhealthy(id task.InstanceID, cause error) error
	MarkHealthy(id task.InstanceID) error
	UpdateUsage(id task.InstanceID, u procmgr.Usage) error
	Restart(ctx context.Context, id task.InstanceID) error
	Kill(ctx context.Context, id task.InstanceID, force bool) error
	Replenish(ctx context.Context) error
	Stats() pool.Stats
}

// Config holds health check settings
type Config struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// FailureThreshold is the number of consecutive failed checks that
	// mark an instance unhealthy
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// ProbeTimeout bounds one control port probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`

	// Probe enables the control port responsiveness check
	Probe bool `yaml:"probe" mapstructure:"probe"`

	// SampleUsage enables CPU and memory sampling
	SampleUsage bool `yaml:"sample_usage" mapstructure:"sample_usage"`
}

// DefaultConfig returns the default check settings
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Second,
		FailureThreshold: 3,
		ProbeTimeout:     2 * time.Second,
		Probe:            true,
		SampleUsage:      true,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fleeterr.New(fleeterr.CodeInvalidParam, "health check interval must be positive")
	}
	if c.FailureThreshold < 1 {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.Probe && c.ProbeTimeout <= 0 {
		return fleeterr.New(fleeterr.CodeInvalidParam, "probe timeout must be positive")
	}
	return nil
}

// Result is the outcome of checking one instance
type Result struct {
	ID       task.InstanceID
	Healthy  bool
	Failures int
	Err      error
	Usage    procmgr.Usage
}

// Monitor checks instances on a fixed interval
type Monitor struct {
	target   Target
	cfg      Config
	prober   procmgr.Prober
	sampler  procmgr.Sampler
	recorder metrics.Recorder
	logger   *zap.Logger

	mu        sync.Mutex
	failures  map[task.InstanceID]int
	repairing map[task.InstanceID]bool
	pids      map[task.InstanceID]int

	repairs   sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// Option configures the Monitor
type Option func(*Monitor)

// WithProber sets the control port prober
func WithProber(p procmgr.Prober) Option {
	return func(m *Monitor) {
		m.prober = p
	}
}

// WithSampler sets the resource sampler
func WithSampler(s procmgr.Sampler) Option {
	return func(m *Monitor) {
		m.sampler = s
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Monitor) {
		m.recorder = r
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// NewMonitor creates a monitor for target
func NewMonitor(target Target, cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fleeterr.New(fleeterr.CodeInvalidParam, "health target is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		target:    target,
		cfg:       cfg,
		recorder:  metrics.NewNoopRecorder(),
		logger:    zap.NewNop(),
		failures:  make(map[task.InstanceID]int),
		repairing: make(map[task.InstanceID]bool),
		pids:      make(map[task.InstanceID]int),
		runCtx:    ctx,
		runCancel: cancel,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !cfg.Probe {
		m.prober = nil
	}
	if !cfg.SampleUsage {
		m.sampler = nil
	}
	return m, nil
}

// Start runs checks until Stop is called or ctx is done
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("threshold", m.cfg.FailureThreshold))

	for {
		select {
		case <-ticker.C:
			m.CheckOnce(ctx)

		case <-m.stopCh:
			m.logger.Info("health monitor stopped")
			return

		case <-ctx.Done():
			m.logger.Info("health monitor stopped (context cancelled)")
			return
		}
	}
}

// Stop ends the loop and waits for restarts and removals it started
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.runCancel()
	})
	m.repairs.Wait()
}

// CheckOnce checks every instance once
func (m *Monitor) CheckOnce(ctx context.Context) []Result {
	infos := m.target.Instances()
	results := make([]Result, 0, len(infos))

	var totals metrics.ResourceTotals
	seen := make(map[task.InstanceID]bool, len(infos))

	for _, info := range infos {
		seen[info.ID] = true
		if !checkable(info.State) || m.isRepairing(info.ID) {
			continue
		}

		res := m.check(ctx, info)
		totals.CPUPercent += res.Usage.CPUPercent
		totals.MemoryBytes += res.Usage.MemoryBytes
		results = append(results, res)
	}

	m.forgetGone(seen)
	m.recorder.Resources(totals)
	m.recorder.PoolState(m.target.Stats().Gauge())
	return results
}

func checkable(s pool.State) bool {
	switch s {
	case pool.StateRunning, pool.StateCrashed, pool.StateFailed:
		return true
	default:
		return false
	}
}

func (m *Monitor) check(ctx context.Context, info pool.InstanceInfo) Result {
	res := Result{ID: info.ID}
	alive := info.State == pool.StateRunning && m.target.IsAlive(info.ID)

	switch {
	case !alive:
		res.Err = fleeterr.New(fleeterr.CodeHealthCheckFailed, "process not running").
			WithContext("instance", info.ID).
			WithContext("state", info.State.String())
	case m.prober != nil:
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		if err := m.prober.Probe(pctx, info.Address()); err != nil {
			res.Err = fleeterr.Wrap(fleeterr.CodeHealthCheckFailed, err, "control port unresponsive").
				WithContext("instance", info.ID).
				WithContext("port", info.Port)
		}
		cancel()
	}

	if alive && m.sampler != nil {
		m.trackPID(info.ID, info.PID)
		if u, err := m.sampler.Sample(info.PID); err != nil {
			m.logger.Debug("usage sample failed", zap.Uint64("instance", uint64(info.ID)), zap.Error(err))
		} else {
			res.Usage = u
			_ = m.target.UpdateUsage(info.ID, u)

			limit := uint64(info.Config.MemoryLimitMB) * 1024 * 1024
			if res.Err == nil && limit > 0 && u.MemoryBytes > limit {
				res.Err = fleeterr.Newf(fleeterr.CodeOutOfMemory, "resident memory %d bytes over limit %d", u.MemoryBytes, limit).
					WithContext("instance", info.ID)
			}
		}
	}

	res.Healthy = res.Err == nil
	m.recorder.HealthCheck(info.ID, res.Healthy)

	if res.Healthy {
		m.setFailures(info.ID, 0)
		if !info.Healthy {
			_ = m.target.MarkHealthy(info.ID)
		}
		return res
	}

	res.Failures = m.incFailures(info.ID)
	m.logger.Debug("health check failed",
		zap.Uint64("instance", uint64(info.ID)),
		zap.Int("failures", res.Failures),
		zap.Error(res.Err))

	if res.Failures < m.cfg.FailureThreshold {
		return res
	}

	if info.Healthy {
		_ = m.target.MarkUnhealthy(info.ID, res.Err)
	}
	switch {
	case info.Config.AutoRestart:
		m.restart(info.ID)
	case !alive:
		// Dead and not restartable: free its slot
		m.retire(info.ID, res.Err)
	}
	return res
}

// restart runs one background restart per instance
func (m *Monitor) restart(id task.InstanceID) {
	m.repair(id, func(ctx context.Context) error {
		m.logger.Info("restarting instance", zap.Uint64("instance", uint64(id)))
		if err := m.target.Restart(ctx, id); err != nil {
			m.logger.Error("instance restart failed", zap.Uint64("instance", uint64(id)), zap.Error(err))
		}
		return nil
	})
}

// retire removes a dead instance and tops the pool back up to its minimum
func (m *Monitor) retire(id task.InstanceID, cause error) {
	m.repair(id, func(ctx context.Context) error {
		m.logger.Warn("removing dead instance", zap.Uint64("instance", uint64(id)), zap.Error(cause))
		if err := m.target.Kill(ctx, id, false); err != nil {
			m.logger.Error("instance removal failed", zap.Uint64("instance", uint64(id)), zap.Error(err))
			return err
		}
		if err := m.target.Replenish(ctx); err != nil {
			m.logger.Warn("replenish after removal", zap.Error(err))
		}
		return nil
	})
}

// repair runs fn in the background, at most once at a time per instance
func (m *Monitor) repair(id task.InstanceID, fn func(ctx context.Context) error) {
	m.mu.Lock()
	if m.repairing[id] {
		m.mu.Unlock()
		return
	}
	m.repairing[id] = true
	m.mu.Unlock()

	m.repairs.Add(1)
	go func() {
		defer m.repairs.Done()
		_ = fn(m.runCtx)

		m.mu.Lock()
		delete(m.repairing, id)
		m.failures[id] = 0
		m.mu.Unlock()
	}()
}

func (m *Monitor) isRepairing(id task.InstanceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repairing[id]
}

func (m *Monitor) setFailures(id task.InstanceID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = n
}

func (m *Monitor) incFailures(id task.InstanceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return m.failures[id]
}

// trackPID drops sampler state of a replaced process
func (m *Monitor) trackPID(id task.InstanceID, pid int) {
	m.mu.Lock()
	old := m.pids[id]
	m.pids[id] = pid
	m.mu.Unlock()

	if old != 0 && old != pid {
		m.sampler.Forget(old)
	}
}

func (m *Monitor) forgetGone(seen map[task.InstanceID]bool) {
	m.mu.Lock()
	var stale []int
	for id := range m.failures {
		if !seen[id] && !m.repairing[id] {
			delete(m.failures, id)
		}
	}
	for id, pid := range m.pids {
		if !seen[id] {
			delete(m.pids, id)
			stale = append(stale, pid)
		}
	}
	m.mu.Unlock()

	if m.sampler != nil {
		for _, pid := range stale {
			m.sampler.Forget(pid)
		}
	}
}
