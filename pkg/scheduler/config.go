package scheduler

import (
	"time"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/retry"
)

// Config holds scheduler settings
type Config struct {
	// Workers is the number of dispatch goroutines
	Workers int `yaml:"workers" mapstructure:"workers"`

	// QueueCapacity bounds queued plus in-flight tasks
	QueueCapacity int `yaml:"queue_capacity" mapstructure:"queue_capacity"`

	// PollInterval is how long an idle worker waits on the queue before
	// checking for shutdown
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	Retry retry.Policy `yaml:"retry" mapstructure:"retry"`

	// EnableFailover re-dispatches a task elsewhere when its instance fails
	EnableFailover bool `yaml:"enable_failover" mapstructure:"enable_failover"`

	// AcquireTimeout is how long a worker waits for a free instance
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`

	// PoolEmptyBackoff delays a task that found no instance
	PoolEmptyBackoff time.Duration `yaml:"pool_empty_backoff" mapstructure:"pool_empty_backoff"`

	// DefaultTaskTimeout applies to tasks submitted without a timeout
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout" mapstructure:"default_task_timeout"`

	// AgingInterval promotes waiting tasks one priority class per interval.
	// Zero disables aging.
	AgingInterval time.Duration `yaml:"aging_interval" mapstructure:"aging_interval"`

	// RetainCompleted is how long terminal tasks nobody waited on are kept.
	// Zero keeps no history: a record is freed once WaitFor observes it and
	// an unobserved one at the next sweep.
	RetainCompleted time.Duration `yaml:"retain_completed" mapstructure:"retain_completed"`
}

// DefaultConfig returns the default scheduler settings
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		QueueCapacity:      1000,
		PollInterval:       100 * time.Millisecond,
		Retry:              retry.DefaultPolicy(),
		EnableFailover:     true,
		AcquireTimeout:     time.Second,
		PoolEmptyBackoff:   100 * time.Millisecond,
		DefaultTaskTimeout: 30 * time.Second,
		RetainCompleted:    5 * time.Minute,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "workers must be at least 1, got %d", c.Workers)
	case c.QueueCapacity < 1:
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "queue capacity must be at least 1, got %d", c.QueueCapacity)
	case c.PollInterval <= 0:
		return fleeterr.New(fleeterr.CodeInvalidParam, "poll interval must be positive")
	case c.Retry.MaxRetries < 0:
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "max retries must not be negative, got %d", c.Retry.MaxRetries)
	case c.AcquireTimeout < 0, c.PoolEmptyBackoff < 0, c.AgingInterval < 0, c.RetainCompleted < 0:
		return fleeterr.New(fleeterr.CodeInvalidParam, "durations must not be negative")
	case c.DefaultTaskTimeout <= 0:
		return fleeterr.New(fleeterr.CodeInvalidParam, "default task timeout must be positive")
	}
	return nil
}
