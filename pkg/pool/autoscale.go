package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one autoscale evaluation
type Decision struct {
	Current        int
	Target         int
	AvgCPUPercent  float64
	AvgMemoryBytes uint64

	// Applied is false when no change was needed or the cooldown held it back
	Applied bool
}

// AutoScaler resizes the pool from average instance CPU and memory. It is
// advisory: decisions are rate limited to one per cooldown.
type AutoScaler struct {
	pool    *Pool
	cfg     AutoScaleConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewAutoScaler creates an autoscaler for p
func NewAutoScaler(p *Pool, cfg AutoScaleConfig, logger *zap.Logger) *AutoScaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Step <= 0 {
		cfg.Step = 1
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = cfg.Interval
	}

	return &AutoScaler{
		pool:    p,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cooldown), 1),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the evaluation loop until Stop is called or ctx is done
func (a *AutoScaler) Start(ctx context.Context) {
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("autoscaler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if _, err := a.Evaluate(ctx); err != nil {
				a.logger.Warn("autoscale", zap.Error(err))
			}

		case <-a.stopCh:
			a.logger.Info("autoscaler stopped")
			return

		case <-ctx.Done():
			a.logger.Info("autoscaler stopped (context cancelled)")
			return
		}
	}
}

// Stop ends the evaluation loop
func (a *AutoScaler) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}

// Decide computes the target size without acting on it
func (a *AutoScaler) Decide() Decision {
	d := Decision{Current: a.pool.Size()}
	d.Target = d.Current

	var (
		n   int
		cpu float64
		mem uint64
	)
	for _, info := range a.pool.Instances() {
		if info.State != StateRunning {
			continue
		}
		n++
		cpu += info.CPUPercent
		mem += info.MemoryBytes
	}
	if n == 0 {
		return d
	}

	d.AvgCPUPercent = cpu / float64(n)
	d.AvgMemoryBytes = mem / uint64(n)

	cfg := a.pool.Config()
	memLimit := a.cfg.ScaleUpMemoryMB * 1024 * 1024
	switch {
	case d.AvgCPUPercent > a.cfg.ScaleUpCPU || (memLimit > 0 && d.AvgMemoryBytes > memLimit):
		d.Target = min(d.Current+a.cfg.Step, cfg.MaxSize)
	case d.AvgCPUPercent < a.cfg.ScaleDownCPU:
		d.Target = max(d.Current-a.cfg.Step, cfg.MinSize)
	}
	return d
}

// Evaluate decides and, outside the cooldown, scales the pool
func (a *AutoScaler) Evaluate(ctx context.Context) (Decision, error) {
	d := a.Decide()
	if d.Target == d.Current {
		return d, nil
	}
	if !a.limiter.Allow() {
		a.logger.Debug("autoscale held by cooldown",
			zap.Int("current", d.Current),
			zap.Int("target", d.Target))
		return d, nil
	}

	d.Applied = true
	a.logger.Info("autoscaling",
		zap.Int("current", d.Current),
		zap.Int("target", d.Target),
		zap.Float64("avg_cpu_percent", d.AvgCPUPercent),
		zap.Uint64("avg_memory_bytes", d.AvgMemoryBytes))
	return d, a.pool.Scale(ctx, d.Target)
}
