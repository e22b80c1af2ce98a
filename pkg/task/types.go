// Package task holds the task data model shared by the queue and scheduler.
package task

import (
	"fmt"
	"strings"
	"time"
)

// ID uniquely identifies a task. IDs are assigned monotonically by the
// scheduler and never reused within a process.
type ID uint64

// InstanceID identifies a pool instance
type InstanceID uint64

// Priority orders tasks in the queue. Higher values are dispatched first.
type Priority int

const (
	// PriorityLow is for background work
	PriorityLow Priority = iota
	// PriorityNormal is the default priority
	PriorityNormal
	// PriorityHigh jumps ahead of normal work
	PriorityHigh
	// PriorityCritical is dispatched before everything else
	PriorityCritical
)

// NumPriorities is the number of priority classes
const NumPriorities = int(PriorityCritical) + 1

// String returns the string representation of a Priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priorities
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a name such as "high" into a Priority
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status represents the lifecycle state of a task
type Status int

const (
	// StatusPending - created, not yet queued
	StatusPending Status = iota
	// StatusQueued - waiting in the queue
	StatusQueued
	// StatusRunning - dispatched to an instance
	StatusRunning
	// StatusRetrying - failed attempt, waiting to be re-queued
	StatusRetrying
	// StatusCompleted - finished successfully
	StatusCompleted
	// StatusFailed - finished with an error
	StatusFailed
	// StatusCancelled - cancelled by the caller or on shutdown
	StatusCancelled
)

// String returns the string representation of a Status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusRetrying:
		return "retrying"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed edges of the task state machine.
// Retrying -> Queued is the only edge that moves backwards.
var transitions = map[Status][]Status{
	StatusPending:  {StatusQueued, StatusCancelled},
	StatusQueued:   {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying: {StatusQueued, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a task may move from one status to another
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Spec describes a task to submit
type Spec struct {
	Type     string
	Priority Priority
	Payload  []byte

	// Timeout bounds a single dispatch attempt. Zero uses the scheduler default.
	Timeout time.Duration

	// QueueTimeout bounds how long the task may wait to be dispatched,
	// measured from submission. Zero means no limit.
	QueueTimeout time.Duration
}

// Task is a snapshot of a task record. Callers always receive copies.
type Task struct {
	ID           ID
	Type         string
	Priority     Priority
	Payload      []byte
	Timeout      time.Duration
	QueueTimeout time.Duration

	Status     Status
	InstanceID InstanceID
	RetryCount int

	CreatedAt   time.Time
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	LastError error
	Result    []byte
}

// New creates a pending task from a spec
func New(id ID, spec Spec, now time.Time) *Task {
	return &Task{
		ID:           id,
		Type:         spec.Type,
		Priority:     spec.Priority,
		Payload:      spec.Payload,
		Timeout:      spec.Timeout,
		QueueTimeout: spec.QueueTimeout,
		Status:       StatusPending,
		CreatedAt:    now,
	}
}

// Clone returns a copy that shares no mutable slices with t
func (t *Task) Clone() Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	return c
}

// Deadline returns the queue deadline, or the zero time when unbounded
func (t *Task) Deadline() time.Time {
	if t.QueueTimeout <= 0 {
		return time.Time{}
	}
	return t.CreatedAt.Add(t.QueueTimeout)
}

// Duration returns the time from start to completion
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
