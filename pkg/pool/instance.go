package pool

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cdpkit/fleet/pkg/balancer"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/task"
)

// State is the lifecycle state of an instance
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
	StateFailed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InstanceInfo is a point-in-time copy of an instance
type InstanceInfo struct {
	ID      task.InstanceID
	PID     int
	Port    int
	WorkDir string
	State   State

	Available   bool
	Healthy     bool
	Busy        bool
	CurrentTask task.ID
	LastUsed    time.Time
	StartedAt   time.Time

	CPUPercent     float64
	MemoryBytes    uint64
	AvgResponse    time.Duration
	Completed      uint64
	Failed         uint64
	Errors         uint64
	HealthFailures uint64
	Restarts       int

	Config    procmgr.LaunchConfig
	LastError string
}

// Address returns the host:port of the control channel
func (i InstanceInfo) Address() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(i.Port))
}

// instance is one managed browser. All mutable fields are guarded by mu.
type instance struct {
	id     task.InstanceID
	seq    uint64
	config procmgr.LaunchConfig

	mu          sync.Mutex
	proc        *procmgr.Process
	port        int
	state       State
	available   bool
	healthy     bool
	leased      bool
	currentTask task.ID
	lastUsed    time.Time

	cpuPercent     float64
	memoryBytes    uint64
	avgResponse    time.Duration
	completed      uint64
	failed         uint64
	errors         uint64
	healthFailures uint64
	restarts       int
	restartedAt    time.Time
	lastErr        string

	// restartDone is non-nil while a restart is in progress
	restartDone chan struct{}
	restartErr  error
}

func (in *instance) infoLocked() InstanceInfo {
	info := InstanceInfo{
		ID:             in.id,
		Port:           in.port,
		State:          in.state,
		Available:      in.available,
		Healthy:        in.healthy,
		Busy:           in.leased,
		CurrentTask:    in.currentTask,
		LastUsed:       in.lastUsed,
		CPUPercent:     in.cpuPercent,
		MemoryBytes:    in.memoryBytes,
		AvgResponse:    in.avgResponse,
		Completed:      in.completed,
		Failed:         in.failed,
		Errors:         in.errors,
		HealthFailures: in.healthFailures,
		Restarts:       in.restarts,
		Config:         in.config,
		LastError:      in.lastErr,
	}
	if in.proc != nil {
		info.PID = in.proc.PID
		info.WorkDir = in.proc.WorkDir
		info.StartedAt = in.proc.StartedAt
	}
	return info
}

func (in *instance) info() InstanceInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.infoLocked()
}

func (in *instance) candidate() balancer.Candidate {
	in.mu.Lock()
	defer in.mu.Unlock()

	running := 0
	if in.leased {
		running = 1
	}
	return balancer.Candidate{
		ID:          in.id,
		Seq:         in.seq,
		Available:   in.available,
		Healthy:     in.healthy,
		Completed:   in.completed,
		Failed:      in.failed,
		Running:     running,
		Errors:      in.errors,
		AvgResponse: in.avgResponse,
		LastUsed:    in.lastUsed,
	}
}

// claimLocked binds the instance to taskID if it can serve it
func (in *instance) claimLocked(taskID task.ID) bool {
	if !in.available || !in.healthy || in.state != StateRunning {
		return false
	}
	in.available = false
	in.leased = true
	in.currentTask = taskID
	return true
}

// settleLocked recomputes availability; available implies healthy
func (in *instance) settleLocked() {
	in.available = in.healthy && in.state == StateRunning && !in.leased && in.restartDone == nil
}
