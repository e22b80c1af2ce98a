package procmgr

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/cdpkit/fleet/pkg/task"
)

// Command is a process to start
type Command struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Handle controls a started process
type Handle interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
}

// Spawner starts processes
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Handle, error)
}

// ExecSpawner starts processes with os/exec
type ExecSpawner struct{}

// Spawn starts cmd. The process outlives ctx; ctx only bounds the start.
func (ExecSpawner) Spawn(ctx context.Context, cmd Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr

	if err := c.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: c}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int                   { return h.cmd.Process.Pid }
func (h *execHandle) Signal(sig os.Signal) error { return h.cmd.Process.Signal(sig) }
func (h *execHandle) Wait() error                { return h.cmd.Wait() }

// Process is a launched browser
type Process struct {
	InstanceID task.InstanceID
	PID        int
	Port       int
	WorkDir    string
	StartedAt  time.Time

	ownsDir bool
	handle  Handle
	exited  chan struct{}
	exitErr error
}

func newProcess(id task.InstanceID, port int, dir string, ownsDir bool, h Handle) *Process {
	p := &Process{
		InstanceID: id,
		PID:        h.Pid(),
		Port:       port,
		WorkDir:    dir,
		StartedAt:  time.Now(),
		ownsDir:    ownsDir,
		handle:     h,
		exited:     make(chan struct{}),
	}

	// Reap the child so it never lingers as a zombie
	go func() {
		p.exitErr = h.Wait()
		close(p.exited)
	}()

	return p
}

// Exited is closed once the process has been reaped
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr returns the wait error. Only meaningful after Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// Address returns the host:port of the control channel
func (p *Process) Address() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(p.Port))
}

// hasExited reports whether the reaper has collected the process
func (p *Process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// IsAlive checks whether pid refers to a running process using signal 0
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
