// Package fakeproc provides in-memory process doubles for tests: a Spawner
// whose processes can be crashed on demand, a Prober with per-port control
// and a Sampler with scripted usage.
package fakeproc

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cdpkit/fleet/pkg/procmgr"
)

// ErrSpawn is returned by a spawn scheduled to fail
var ErrSpawn = errors.New("fakeproc: spawn failed")

// Spawner hands out fake processes
type Spawner struct {
	mu       sync.Mutex
	nextPID  int
	procs    map[int]*Process
	failNext int
	commands []procmgr.Command

	// IgnoreTerm makes new processes ignore SIGTERM
	IgnoreTerm bool
	// Unkillable makes new processes survive SIGKILL
	Unkillable bool
}

// NewSpawner creates a spawner; pids start at 10000
func NewSpawner() *Spawner {
	return &Spawner{
		nextPID: 10000,
		procs:   make(map[int]*Process),
	}
}

// Spawn implements procmgr.Spawner
func (s *Spawner) Spawn(ctx context.Context, cmd procmgr.Command) (procmgr.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.commands = append(s.commands, cmd)
	if s.failNext > 0 {
		s.failNext--
		return nil, ErrSpawn
	}

	s.nextPID++
	p := &Process{
		pid:        s.nextPID,
		port:       portFromArgs(cmd.Args),
		done:       make(chan struct{}),
		ignoreTerm: s.IgnoreTerm,
		unkillable: s.Unkillable,
	}
	s.procs[p.pid] = p
	return p, nil
}

// FailNext makes the next n spawns fail
func (s *Spawner) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Get returns the process with pid
func (s *Spawner) Get(pid int) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	return p, ok
}

// Crash makes pid exit as if it died on its own
func (s *Spawner) Crash(pid int) bool {
	p, ok := s.Get(pid)
	if !ok {
		return false
	}
	p.exit()
	return true
}

// Running returns the number of processes that have not exited
func (s *Spawner) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.procs {
		if !p.Exited() {
			n++
		}
	}
	return n
}

// Commands returns every command passed to Spawn
func (s *Spawner) Commands() []procmgr.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]procmgr.Command(nil), s.commands...)
}

// Process is a fake browser process
type Process struct {
	pid        int
	port       int
	mu         sync.Mutex
	done       chan struct{}
	exited     bool
	ignoreTerm bool
	unkillable bool
	signals    []os.Signal
}

// Pid implements procmgr.Handle
func (p *Process) Pid() int { return p.pid }

// Port returns the control port from the spawn args
func (p *Process) Port() int { return p.port }

// Signal implements procmgr.Handle
func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return os.ErrProcessDone
	}
	if sig == syscall.Signal(0) {
		p.mu.Unlock()
		return nil
	}
	p.signals = append(p.signals, sig)
	ignore := (sig == syscall.SIGTERM && p.ignoreTerm) || (sig == os.Kill && p.unkillable)
	p.mu.Unlock()

	if ignore {
		return nil
	}
	p.exit()
	return nil
}

// Wait implements procmgr.Handle
func (p *Process) Wait() error {
	<-p.done
	return nil
}

// Signals returns the signals received so far, liveness checks excluded
func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// Exited reports whether the process is gone
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *Process) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		close(p.done)
	}
}

func portFromArgs(args []string) int {
	const prefix = "--remote-debugging-port="
	for _, a := range args {
		if len(a) > len(prefix) && a[:len(prefix)] == prefix {
			n, _ := strconv.Atoi(a[len(prefix):])
			return n
		}
	}
	return 0
}

// Prober answers probes unless a port was marked down
type Prober struct {
	mu    sync.Mutex
	down  map[int]bool
	calls int
}

// NewProber creates a prober where every port is up
func NewProber() *Prober {
	return &Prober{down: make(map[int]bool)}
}

// Probe implements procmgr.Prober
func (p *Prober) Probe(ctx context.Context, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, _ := strconv.Atoi(portStr)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.down[port] {
		return errors.New("fakeproc: connection refused")
	}
	return nil
}

// SetDown marks a port unresponsive (or responsive again)
func (p *Prober) SetDown(port int, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[port] = down
}

// Calls returns the number of probes served
func (p *Prober) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Sampler returns scripted usage per pid
type Sampler struct {
	mu    sync.Mutex
	usage map[int]procmgr.Usage
}

// NewSampler creates an empty sampler. Unknown pids report zero usage.
func NewSampler() *Sampler {
	return &Sampler{usage: make(map[int]procmgr.Usage)}
}

// Set scripts the usage of pid
func (s *Sampler) Set(pid int, u procmgr.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[pid] = u
}

// Sample implements procmgr.Sampler
func (s *Sampler) Sample(pid int) (procmgr.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage[pid]
	u.SampledAt = time.Now()
	return u, nil
}

// Forget implements procmgr.Sampler
func (s *Sampler) Forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usage, pid)
}

// LaunchConfig returns valid launch defaults pointing at a fake executable
func LaunchConfig() procmgr.LaunchConfig {
	cfg := procmgr.DefaultLaunchConfig()
	cfg.ExecutablePath = "/fake/chrome"
	return cfg
}

// NewManager builds a procmgr.Manager over the fakes with short timings and
// a temp root owned by tb
func NewManager(tb testing.TB, s *Spawner, p *Prober, opts ...procmgr.Option) *procmgr.Manager {
	tb.Helper()

	base := []procmgr.Option{
		procmgr.WithSpawner(s),
		procmgr.WithProber(p),
		procmgr.WithTempRoot(tb.TempDir()),
		procmgr.WithGracePeriod(50 * time.Millisecond),
		procmgr.WithKillWait(50 * time.Millisecond),
		procmgr.WithReadiness(5, 5*time.Millisecond),
	}
	m, err := procmgr.NewManager(append(base, opts...)...)
	if err != nil {
		tb.Fatalf("fakeproc: new manager: %v", err)
	}
	return m
}
