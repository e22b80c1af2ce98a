// Package metrics records task and instance events.
//
// Components report through the Recorder interface. The Aggregator keeps an
// in-memory snapshot for callers, the PrometheusRecorder exports the same
// events for scraping, and Multi fans out to several recorders.
package metrics

import (
	"time"

	"github.com/cdpkit/fleet/pkg/task"
)

// PoolGauge is the instance breakdown of a pool
type PoolGauge struct {
	Total     int
	Available int
	Busy      int
	Unhealthy int
}

// ResourceTotals is summed usage across instances
type ResourceTotals struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Recorder defines the interface for collecting fleet metrics
type Recorder interface {
	// TaskTransition records a task status change
	TaskTransition(from, to task.Status)

	// TaskDuration records the dispatch time of one attempt
	TaskDuration(taskType string, d time.Duration, err error)

	// QueueDepth records the number of buffered tasks
	QueueDepth(depth int)

	// InstanceLaunched records a launch attempt
	InstanceLaunched(id task.InstanceID, d time.Duration, err error)

	// InstanceTerminated records an instance leaving the pool
	InstanceTerminated(id task.InstanceID)

	// InstanceRestarted records a restart
	InstanceRestarted(id task.InstanceID)

	// HealthCheck records one health check result
	HealthCheck(id task.InstanceID, healthy bool)

	// PoolState records the current pool breakdown
	PoolState(g PoolGauge)

	// Resources records summed resource usage
	Resources(r ResourceTotals)
}

// noopRecorder is a no-op implementation of Recorder
type noopRecorder struct{}

func (noopRecorder) TaskTransition(from, to task.Status)                             {}
func (noopRecorder) TaskDuration(taskType string, d time.Duration, err error)        {}
func (noopRecorder) QueueDepth(depth int)                                            {}
func (noopRecorder) InstanceLaunched(id task.InstanceID, d time.Duration, err error) {}
func (noopRecorder) InstanceTerminated(id task.InstanceID)                           {}
func (noopRecorder) InstanceRestarted(id task.InstanceID)                            {}
func (noopRecorder) HealthCheck(id task.InstanceID, healthy bool)                    {}
func (noopRecorder) PoolState(g PoolGauge)                                           {}
func (noopRecorder) Resources(r ResourceTotals)                                      {}

// NewNoopRecorder creates a recorder that drops everything
func NewNoopRecorder() Recorder {
	return noopRecorder{}
}

type multi []Recorder

// Multi returns a recorder that forwards every event to all of rs
func Multi(rs ...Recorder) Recorder {
	out := make(multi, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) TaskTransition(from, to task.Status) {
	for _, r := range m {
		r.TaskTransition(from, to)
	}
}

func (m multi) TaskDuration(taskType string, d time.Duration, err error) {
	for _, r := range m {
		r.TaskDuration(taskType, d, err)
	}
}

func (m multi) QueueDepth(depth int) {
	for _, r := range m {
		r.QueueDepth(depth)
	}
}

func (m multi) InstanceLaunched(id task.InstanceID, d time.Duration, err error) {
	for _, r := range m {
		r.InstanceLaunched(id, d, err)
	}
}

func (m multi) InstanceTerminated(id task.InstanceID) {
	for _, r := range m {
		r.InstanceTerminated(id)
	}
}

func (m multi) InstanceRestarted(id task.InstanceID) {
	for _, r := range m {
		r.InstanceRestarted(id)
	}
}

func (m multi) HealthCheck(id task.InstanceID, healthy bool) {
	for _, r := range m {
		r.HealthCheck(id, healthy)
	}
}

func (m multi) PoolState(g PoolGauge) {
	for _, r := range m {
		r.PoolState(g)
	}
}

func (m multi) Resources(res ResourceTotals) {
	for _, r := range m {
		r.Resources(res)
	}
}
