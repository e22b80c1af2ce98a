package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cdpkit/fleet/pkg/task"
)

// ThroughputWindow is the sliding window used for throughput
const ThroughputWindow = time.Minute

// Snapshot is an immutable view of aggregated metrics
type Snapshot struct {
	// Task counters
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	Retried   uint64

	// Current task gauges
	Queued  int64
	Running int64

	MinDuration time.Duration
	MaxDuration time.Duration
	AvgDuration time.Duration

	// ThroughputPerMinute counts completions in the last ThroughputWindow
	ThroughputPerMinute float64

	QueueDepth int

	// Instance gauges and counters
	Instances        PoolGauge
	Launches         uint64
	LaunchFailures   uint64
	Terminations     uint64
	Restarts         uint64
	HealthChecks     uint64
	HealthFailures   uint64
	TotalCPUPercent  float64
	TotalMemoryBytes uint64

	WindowStart time.Time
	LastUpdate  time.Time
}

// SuccessRate returns completed / (completed + failed), or 0 with no data
func (s Snapshot) SuccessRate() float64 {
	done := s.Completed + s.Failed
	if done == 0 {
		return 0
	}
	return float64(s.Completed) / float64(done)
}

// Aggregator keeps in-memory counters. Writers serialize on a mutex and
// publish a fresh Snapshot; readers load the latest one without locking.
type Aggregator struct {
	mu          sync.Mutex
	state       Snapshot
	durTotal    time.Duration
	durCount    uint64
	completions []time.Time
	now         func() time.Time

	current atomic.Pointer[Snapshot]
}

// AggregatorOption configures the Aggregator
type AggregatorOption func(*Aggregator)

// WithClock sets the time source
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// NewAggregator creates an empty aggregator
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.resetLocked()
	return a
}

// Snapshot returns the latest published metrics
func (a *Aggregator) Snapshot() Snapshot {
	return *a.current.Load()
}

// Reset clears the counters and duration statistics and starts a new
// window. Gauges describing current state (queued and running tasks, queue
// depth, instances, resources) are kept.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Aggregator) resetLocked() {
	now := a.now()
	prev := a.state
	a.state = Snapshot{
		Queued:           prev.Queued,
		Running:          prev.Running,
		QueueDepth:       prev.QueueDepth,
		Instances:        prev.Instances,
		TotalCPUPercent:  prev.TotalCPUPercent,
		TotalMemoryBytes: prev.TotalMemoryBytes,
		WindowStart:      now,
		LastUpdate:       now,
	}
	a.durTotal = 0
	a.durCount = 0
	a.completions = nil
	a.publishLocked(now)
}

// update applies fn under the writer lock and publishes the result
func (a *Aggregator) update(fn func(s *Snapshot, now time.Time)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	fn(&a.state, now)
	a.publishLocked(now)
}

func (a *Aggregator) publishLocked(now time.Time) {
	// Prune completions outside the window
	cutoff := now.Add(-ThroughputWindow)
	i := 0
	for i < len(a.completions) && a.completions[i].Before(cutoff) {
		i++
	}
	a.completions = a.completions[i:]

	a.state.ThroughputPerMinute = float64(len(a.completions)) / ThroughputWindow.Minutes()
	if a.durCount > 0 {
		a.state.AvgDuration = a.durTotal / time.Duration(a.durCount)
	}
	a.state.LastUpdate = now

	snap := a.state
	a.current.Store(&snap)
}

// TaskTransition implements Recorder
func (a *Aggregator) TaskTransition(from, to task.Status) {
	a.update(func(s *Snapshot, now time.Time) {
		switch from {
		case task.StatusQueued:
			s.Queued--
		case task.StatusRunning:
			s.Running--
		}

		switch to {
		case task.StatusQueued:
			s.Queued++
			if from == task.StatusPending {
				s.Submitted++
			}
		case task.StatusRunning:
			s.Running++
		case task.StatusRetrying:
			s.Retried++
		case task.StatusCompleted:
			s.Completed++
			a.completions = append(a.completions, now)
		case task.StatusFailed:
			s.Failed++
		case task.StatusCancelled:
			s.Cancelled++
		}
	})
}

// TaskDuration implements Recorder
func (a *Aggregator) TaskDuration(_ string, d time.Duration, _ error) {
	a.update(func(s *Snapshot, _ time.Time) {
		if a.durCount == 0 || d < s.MinDuration {
			s.MinDuration = d
		}
		if d > s.MaxDuration {
			s.MaxDuration = d
		}
		a.durTotal += d
		a.durCount++
	})
}

// QueueDepth implements Recorder
func (a *Aggregator) QueueDepth(depth int) {
	a.update(func(s *Snapshot, _ time.Time) {
		s.QueueDepth = depth
	})
}

// InstanceLaunched implements Recorder
func (a *Aggregator) InstanceLaunched(_ task.InstanceID, _ time.Duration, err error) {
	a.update(func(s *Snapshot, _ time.Time) {
		if err != nil {
			s.LaunchFailures++
			return
		}
		s.Launches++
	})
}

// InstanceTerminated implements Recorder
func (a *Aggregator) InstanceTerminated(task.InstanceID) {
	a.update(func(s *Snapshot, _ time.Time) {
		s.Terminations++
	})
}

// InstanceRestarted implements Recorder
func (a *Aggregator) InstanceRestarted(task.InstanceID) {
	a.update(func(s *Snapshot, _ time.Time) {
		s.Restarts++
	})
}

// HealthCheck implements Recorder
func (a *Aggregator) HealthCheck(_ task.InstanceID, healthy bool) {
	a.update(func(s *Snapshot, _ time.Time) {
		s.HealthChecks++
		if !healthy {
			s.HealthFailures++
		}
	})
}

// PoolState implements Recorder
func (a *Aggregator) PoolState(g PoolGauge) {
	a.update(func(s *Snapshot, _ time.Time) {
		s.Instances = g
	})
}

// Resources implements Recorder
func (a *Aggregator) Resources(r ResourceTotals) {
	a.update(func(s *Snapshot, _ time.Time) {
		s.TotalCPUPercent = r.CPUPercent
		s.TotalMemoryBytes = r.MemoryBytes
	})
}

// Compile-time interface compliance check
var _ Recorder = (*Aggregator)(nil)
