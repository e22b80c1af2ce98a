package pool

import (
	"time"

	"github.com/cdpkit/fleet/pkg/balancer"
	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/retry"
)

// Config holds pool sizing and balancing settings
type Config struct {
	InitialSize int `yaml:"initial_size" mapstructure:"initial_size"`
	MinSize     int `yaml:"min_size" mapstructure:"min_size"`
	MaxSize     int `yaml:"max_size" mapstructure:"max_size"`

	// Strategy is the balance strategy name (round_robin, least_loaded,
	// performance, random)
	Strategy string `yaml:"strategy" mapstructure:"strategy"`

	// ErrorThreshold is the error count above which the performance strategy
	// skips an instance
	ErrorThreshold uint64 `yaml:"error_threshold" mapstructure:"error_threshold"`

	// BasePort is the first control port handed out
	BasePort int `yaml:"base_port" mapstructure:"base_port"`

	// LaunchParallelism bounds concurrent launches while growing
	LaunchParallelism int `yaml:"launch_parallelism" mapstructure:"launch_parallelism"`

	// LaunchRetry governs retries of a failed launch during growth
	LaunchRetry retry.Policy `yaml:"launch_retry" mapstructure:"launch_retry"`

	// RestartWindow forgets an instance's restart count once it has run
	// this long without a restart. Zero counts restarts for the instance's
	// whole life.
	RestartWindow time.Duration `yaml:"restart_window" mapstructure:"restart_window"`

	AutoScale AutoScaleConfig `yaml:"autoscale" mapstructure:"autoscale"`

	// Launch is the configuration every instance is started with. It is
	// configured in its own section.
	Launch procmgr.LaunchConfig `yaml:"-" mapstructure:"-"`
}

// AutoScaleConfig holds the thresholds of the AutoScaler
type AutoScaleConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// Cooldown is the minimum time between two scale decisions
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown"`

	// ScaleUpCPU and ScaleDownCPU are average CPU percentages per instance
	ScaleUpCPU   float64 `yaml:"scale_up_cpu" mapstructure:"scale_up_cpu"`
	ScaleDownCPU float64 `yaml:"scale_down_cpu" mapstructure:"scale_down_cpu"`

	// ScaleUpMemoryMB is the average resident memory per instance
	ScaleUpMemoryMB uint64 `yaml:"scale_up_memory_mb" mapstructure:"scale_up_memory_mb"`

	// Step is the number of instances added or removed per decision
	Step int `yaml:"step" mapstructure:"step"`
}

// DefaultConfig returns a small round-robin pool
func DefaultConfig() Config {
	return Config{
		InitialSize:       2,
		MinSize:           1,
		MaxSize:           4,
		Strategy:          string(balancer.StrategyRoundRobin),
		ErrorThreshold:    balancer.DefaultErrorThreshold,
		BasePort:          procmgr.DefaultBasePort,
		LaunchParallelism: 4,
		LaunchRetry: retry.Policy{
			MaxRetries: 2,
			BaseDelay:  500 * time.Millisecond,
			Factor:     2,
			MaxDelay:   5 * time.Second,
			Jitter:     0.1,
		},
		RestartWindow: 10 * time.Minute,
		AutoScale: AutoScaleConfig{
			Interval:        10 * time.Second,
			Cooldown:        30 * time.Second,
			ScaleUpCPU:      80,
			ScaleDownCPU:    20,
			ScaleUpMemoryMB: 1024,
			Step:            1,
		},
		Launch: procmgr.DefaultLaunchConfig(),
	}
}

// Validate checks sizes, strategy and the launch configuration
func (c Config) Validate() error {
	if c.MaxSize < 1 {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "max pool size must be at least 1, got %d", c.MaxSize)
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "min pool size %d out of range 0-%d", c.MinSize, c.MaxSize)
	}
	if c.InitialSize < c.MinSize || c.InitialSize > c.MaxSize {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "initial pool size %d out of range %d-%d",
			c.InitialSize, c.MinSize, c.MaxSize)
	}
	if _, err := balancer.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if c.LaunchRetry.MaxRetries < 0 {
		return fleeterr.New(fleeterr.CodeInvalidParam, "launch retries must not be negative")
	}
	if c.RestartWindow < 0 {
		return fleeterr.New(fleeterr.CodeInvalidParam, "restart window must not be negative")
	}
	if c.AutoScale.Enabled {
		if c.AutoScale.Interval <= 0 {
			return fleeterr.New(fleeterr.CodeInvalidParam, "autoscale interval must be positive")
		}
		if c.AutoScale.ScaleDownCPU >= c.AutoScale.ScaleUpCPU {
			return fleeterr.Newf(fleeterr.CodeInvalidParam, "scale down CPU %.1f must be below scale up CPU %.1f",
				c.AutoScale.ScaleDownCPU, c.AutoScale.ScaleUpCPU)
		}
	}
	return c.Launch.Validate()
}
