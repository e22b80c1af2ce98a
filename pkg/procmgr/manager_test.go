package procmgr_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/task"
	"github.com/cdpkit/fleet/pkg/testing/fakeproc"
)

func launchSpec(id uint64, port int) procmgr.LaunchSpec {
	return procmgr.LaunchSpec{InstanceID: task.InstanceID(id), Port: port, Config: fakeproc.LaunchConfig()}
}

// TestManager_LaunchAndTerminate tests the happy path lifecycle
func TestManager_LaunchAndTerminate(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	m := fakeproc.NewManager(t, spawner, fakeproc.NewProber())

	p, err := m.Launch(context.Background(), launchSpec(1, 9300))
	require.NoError(t, err)

	assert.Equal(t, 9300, p.Port)
	assert.True(t, m.IsAlive(p))
	assert.DirExists(t, p.WorkDir)
	assert.Equal(t, m.TempRoot(), filepath.Dir(p.WorkDir))

	cmds := spawner.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "/fake/chrome", cmds[0].Path)
	assert.Contains(t, cmds[0].Args, "--remote-debugging-port=9300")
	assert.Contains(t, cmds[0].Args, "--user-data-dir="+p.WorkDir)

	require.NoError(t, m.Terminate(context.Background(), p, false))
	assert.False(t, m.IsAlive(p))
	assert.NoDirExists(t, p.WorkDir, "owned profile dir is removed")

	fp, ok := spawner.Get(p.PID)
	require.True(t, ok)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, fp.Signals(), "graceful stop needs no SIGKILL")
}

// TestManager_TerminateEscalates tests SIGTERM then SIGKILL
func TestManager_TerminateEscalates(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	spawner.IgnoreTerm = true
	m := fakeproc.NewManager(t, spawner, fakeproc.NewProber())

	p, err := m.Launch(context.Background(), launchSpec(1, 9301))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.Terminate(context.Background(), p, false))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "grace period is honoured")

	fp, _ := spawner.Get(p.PID)
	assert.Equal(t, []os.Signal{syscall.SIGTERM, os.Kill}, fp.Signals())
}

func TestManager_ForceSkipsGrace(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	spawner.IgnoreTerm = true
	m := fakeproc.NewManager(t, spawner, fakeproc.NewProber(), procmgr.WithGracePeriod(time.Hour))

	p, err := m.Launch(context.Background(), launchSpec(1, 9302))
	require.NoError(t, err)

	require.NoError(t, m.Terminate(context.Background(), p, true))
	fp, _ := spawner.Get(p.PID)
	assert.Equal(t, []os.Signal{os.Kill}, fp.Signals())
}

func TestManager_KillFailed(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	spawner.IgnoreTerm = true
	spawner.Unkillable = true
	m := fakeproc.NewManager(t, spawner, fakeproc.NewProber())

	p, err := m.Launch(context.Background(), launchSpec(1, 9303))
	require.NoError(t, err)

	err = m.Terminate(context.Background(), p, false)
	assert.True(t, errors.Is(err, fleeterr.ErrKillFailed))
	assert.True(t, m.IsAlive(p))
	assert.DirExists(t, p.WorkDir, "directory stays while the process lives")
}

func TestManager_SpawnFailure(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	spawner.FailNext(1)
	m := fakeproc.NewManager(t, spawner, fakeproc.NewProber())

	_, err := m.Launch(context.Background(), launchSpec(1, 9304))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleeterr.ErrLaunchFailed))
	assert.True(t, errors.Is(err, fakeproc.ErrSpawn))

	entries, err := os.ReadDir(m.TempRoot())
	require.NoError(t, err)
	assert.Empty(t, entries, "no profile directory left behind")
}

// TestManager_NeverReady tests that an unresponsive browser is torn down
func TestManager_NeverReady(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	prober := fakeproc.NewProber()
	prober.SetDown(9305, true)
	m := fakeproc.NewManager(t, spawner, prober)

	_, err := m.Launch(context.Background(), launchSpec(1, 9305))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleeterr.ErrLaunchFailed))
	assert.Equal(t, 0, spawner.Running(), "half-started process is killed")
	assert.Equal(t, 5, prober.Calls())
}

func TestManager_InvalidSpec(t *testing.T) {
	m := fakeproc.NewManager(t, fakeproc.NewSpawner(), fakeproc.NewProber())

	_, err := m.Launch(context.Background(), launchSpec(1, 0))
	assert.True(t, errors.Is(err, fleeterr.ErrInvalidParam))

	spec := launchSpec(1, 9306)
	spec.Config.MemoryLimitMB = 10
	_, err = m.Launch(context.Background(), spec)
	assert.True(t, errors.Is(err, fleeterr.ErrInvalidParam))
}

func TestManager_UserDataDirIsKept(t *testing.T) {
	m := fakeproc.NewManager(t, fakeproc.NewSpawner(), fakeproc.NewProber())

	profile := filepath.Join(t.TempDir(), "profile")
	spec := launchSpec(1, 9307)
	spec.Config.UserDataDir = profile

	p, err := m.Launch(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, m.Terminate(context.Background(), p, true))
	assert.DirExists(t, profile, "caller-provided profile is never deleted")
}

func TestManager_CrashDetected(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	m := fakeproc.NewManager(t, spawner, fakeproc.NewProber())

	p, err := m.Launch(context.Background(), launchSpec(1, 9308))
	require.NoError(t, err)

	spawner.Crash(p.PID)
	require.Eventually(t, func() bool { return !m.IsAlive(p) }, time.Second, 5*time.Millisecond)

	// Terminating an exited process only cleans up
	require.NoError(t, m.Terminate(context.Background(), p, false))
	assert.NoDirExists(t, p.WorkDir)
}

func TestManager_Cleanup(t *testing.T) {
	root := filepath.Join(t.TempDir(), "run")
	m, err := procmgr.NewManager(procmgr.WithTempRoot(root))
	require.NoError(t, err)
	assert.DirExists(t, root)

	require.NoError(t, m.Cleanup())
	assert.NoDirExists(t, root)
}

// TestManager_RealProcess launches a shell script that ignores browser flags
func TestManager_RealProcess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	script := filepath.Join(t.TempDir(), "browser.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	m := fakeproc.NewManager(t, nil, fakeproc.NewProber(), procmgr.WithSpawner(procmgr.ExecSpawner{}), procmgr.WithGracePeriod(2*time.Second))

	spec := launchSpec(1, 9309)
	spec.Config.ExecutablePath = script

	p, err := m.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, procmgr.IsAlive(p.PID))
	assert.True(t, m.IsAlive(p))

	require.NoError(t, m.Terminate(context.Background(), p, false))
	assert.False(t, m.IsAlive(p))
}
