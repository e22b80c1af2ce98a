// Package procmgr launches and tears down browser processes.
//
// A Manager owns a per-run temp root. Each launch gets an isolated profile
// directory under it, a spawned browser with a remote-debugging port, and a
// reaper goroutine. Termination uses a single escalation policy: SIGTERM,
// a grace period, then SIGKILL.
package procmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/task"
)

// LaunchSpec identifies what to launch. The id and port are allocated by the
// caller's registry.
type LaunchSpec struct {
	InstanceID task.InstanceID
	Port       int
	Config     LaunchConfig
}

// Manager launches and terminates browser processes
type Manager struct {
	spawner  Spawner
	prober   Prober
	logger   *zap.Logger
	tempRoot string
	dirSeq   atomic.Uint64

	gracePeriod   time.Duration
	killWait      time.Duration
	readyAttempts int
	readyInterval time.Duration
	stdout        io.Writer
	stderr        io.Writer
}

// Option configures the Manager
type Option func(*Manager)

// WithSpawner sets the process spawner
func WithSpawner(s Spawner) Option {
	return func(m *Manager) {
		m.spawner = s
	}
}

// WithProber sets the readiness prober
func WithProber(p Prober) Option {
	return func(m *Manager) {
		m.prober = p
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithTempRoot sets the directory under which profiles are created. It is
// removed by Cleanup.
func WithTempRoot(dir string) Option {
	return func(m *Manager) {
		m.tempRoot = dir
	}
}

// WithGracePeriod sets how long a SIGTERM is given before SIGKILL
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		m.gracePeriod = d
	}
}

// WithKillWait sets how long to wait for exit after SIGKILL
func WithKillWait(d time.Duration) Option {
	return func(m *Manager) {
		m.killWait = d
	}
}

// WithReadiness sets how often and how many times the control port is
// probed after spawn
func WithReadiness(attempts int, interval time.Duration) Option {
	return func(m *Manager) {
		m.readyAttempts = attempts
		m.readyInterval = interval
	}
}

// WithOutput forwards browser stdout and stderr
func WithOutput(stdout, stderr io.Writer) Option {
	return func(m *Manager) {
		m.stdout = stdout
		m.stderr = stderr
	}
}

// NewManager creates a manager and its temp root
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		spawner:       ExecSpawner{},
		prober:        NewHTTPProber(2 * time.Second),
		logger:        zap.NewNop(),
		gracePeriod:   10 * time.Second,
		killWait:      5 * time.Second,
		readyAttempts: 50,
		readyInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.tempRoot == "" {
		m.tempRoot = filepath.Join(os.TempDir(), "fleet-"+uuid.NewString())
	}
	root, err := filepath.Abs(m.tempRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve temp root: %w", err)
	}
	m.tempRoot = root

	if err := os.MkdirAll(m.tempRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	return m, nil
}

// TempRoot returns the directory holding instance profiles
func (m *Manager) TempRoot() string {
	return m.tempRoot
}

// Launch starts a browser and waits for its control port to answer
func (m *Manager) Launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	cfg := spec.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if spec.Port == 0 || !ValidPort(spec.Port) {
		return nil, fleeterr.Newf(fleeterr.CodeInvalidParam, "invalid control port %d", spec.Port)
	}

	path := cfg.ExecutablePath
	if path == "" {
		var err error
		if path, err = FindExecutable(); err != nil {
			return nil, err
		}
	}

	dir, owned, err := m.prepareDir(spec, cfg)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.CodeLaunchFailed, err, "prepare profile directory").
			WithContext("instance", spec.InstanceID)
	}

	cmd := Command{
		Path:   path,
		Args:   cfg.BuildArgs(spec.Port, dir),
		Dir:    dir,
		Env:    cfg.Env,
		Stdout: m.stdout,
		Stderr: m.stderr,
	}

	h, err := m.spawner.Spawn(ctx, cmd)
	if err != nil {
		m.removeDir(dir, owned)
		return nil, fleeterr.Wrap(fleeterr.CodeLaunchFailed, err, "spawn browser").
			WithContext("instance", spec.InstanceID).
			WithContext("executable", path).
			WithSuggestion("verify the executable path or set " + BrowserPathEnv)
	}

	p := newProcess(spec.InstanceID, spec.Port, dir, owned, h)
	m.logger.Info("browser spawned",
		zap.Uint64("instance", uint64(spec.InstanceID)),
		zap.Int("pid", p.PID),
		zap.Int("port", p.Port),
		zap.String("dir", dir))

	launchCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := m.waitReady(launchCtx, p); err != nil {
		// Never leave a half-started browser behind
		if kerr := m.Terminate(context.Background(), p, true); kerr != nil {
			m.logger.Warn("teardown after failed launch", zap.Int("pid", p.PID), zap.Error(kerr))
		}
		return nil, fleeterr.Wrap(fleeterr.CodeLaunchFailed, err, "browser did not become ready").
			WithContext("instance", spec.InstanceID).
			WithContext("port", spec.Port)
	}

	return p, nil
}

// waitReady polls the control port until it answers
func (m *Manager) waitReady(ctx context.Context, p *Process) error {
	var lastErr error
	for attempt := 0; attempt < m.readyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-p.exited:
				return fmt.Errorf("process exited during startup: %v", p.exitErr)
			case <-time.After(m.readyInterval):
			}
		}

		if p.hasExited() {
			return fmt.Errorf("process exited during startup: %v", p.exitErr)
		}
		if lastErr = m.prober.Probe(ctx, p.Address()); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("control port not ready after %d attempts: %w", m.readyAttempts, lastErr)
}

// Terminate stops the process. Unless force is set it sends SIGTERM and
// waits the grace period first. KillFailed is returned when the process is
// still running after SIGKILL.
func (m *Manager) Terminate(ctx context.Context, p *Process, force bool) error {
	start := time.Now()

	if !p.hasExited() && !force {
		if err := p.handle.Signal(syscall.SIGTERM); err != nil && !p.hasExited() {
			m.logger.Debug("SIGTERM failed", zap.Int("pid", p.PID), zap.Error(err))
		}

		select {
		case <-p.exited:
		case <-time.After(m.gracePeriod):
			m.logger.Info("grace period expired, killing", zap.Int("pid", p.PID))
		case <-ctx.Done():
		}
	}

	if !p.hasExited() {
		if err := p.handle.Signal(os.Kill); err != nil && !p.hasExited() {
			m.logger.Warn("SIGKILL failed", zap.Int("pid", p.PID), zap.Error(err))
		}

		select {
		case <-p.exited:
		case <-time.After(m.killWait):
			return fleeterr.New(fleeterr.CodeKillFailed, "process still running after SIGKILL").
				WithContext("instance", p.InstanceID).
				WithContext("pid", p.PID)
		}
	}

	m.removeDir(p.WorkDir, p.ownsDir)
	m.logger.Info("browser terminated",
		zap.Uint64("instance", uint64(p.InstanceID)),
		zap.Int("pid", p.PID),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// IsAlive reports whether the process is still running. It never blocks.
func (m *Manager) IsAlive(p *Process) bool {
	if p == nil || p.hasExited() {
		return false
	}
	return p.handle.Signal(syscall.Signal(0)) == nil
}

// Probe checks that the control port of p answers
func (m *Manager) Probe(ctx context.Context, p *Process) error {
	return m.prober.Probe(ctx, p.Address())
}

// Cleanup removes the temp root and everything below it
func (m *Manager) Cleanup() error {
	if err := os.RemoveAll(m.tempRoot); err != nil {
		return fmt.Errorf("remove temp root: %w", err)
	}
	return nil
}

func (m *Manager) prepareDir(spec LaunchSpec, cfg LaunchConfig) (string, bool, error) {
	if cfg.UserDataDir != "" {
		if err := os.MkdirAll(cfg.UserDataDir, 0o700); err != nil {
			return "", false, err
		}
		return cfg.UserDataDir, false, nil
	}

	n := m.dirSeq.Add(1)
	dir := filepath.Join(m.tempRoot, fmt.Sprintf("instance-%d-%d", spec.InstanceID, n))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", false, err
	}
	return dir, true, nil
}

// removeDir deletes dir only when this manager created it and it lies
// strictly under the temp root
func (m *Manager) removeDir(dir string, owned bool) {
	if !owned || !m.underTempRoot(dir) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("remove profile directory", zap.String("dir", dir), zap.Error(err))
	}
}

func (m *Manager) underTempRoot(dir string) bool {
	rel, err := filepath.Rel(m.tempRoot, dir)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
