package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/health"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/retry"
	"github.com/cdpkit/fleet/pkg/testing/fakeproc"
)

type fixture struct {
	pool    *pool.Pool
	spawner *fakeproc.Spawner
	prober  *fakeproc.Prober
	sampler *fakeproc.Sampler
	agg     *metrics.Aggregator
}

func newFixture(t *testing.T, autoRestart bool, tweaks ...func(*pool.Config)) fixture {
	t.Helper()

	spawner := fakeproc.NewSpawner()
	prober := fakeproc.NewProber()
	m := fakeproc.NewManager(t, spawner, prober)

	cfg := pool.DefaultConfig()
	cfg.InitialSize = 1
	cfg.MinSize = 0
	cfg.MaxSize = 2
	cfg.Launch = fakeproc.LaunchConfig()
	cfg.Launch.AutoRestart = autoRestart
	cfg.LaunchRetry = retry.Policy{}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	agg := metrics.NewAggregator()
	ports := procmgr.NewPortAllocator(21000).WithPortCheck(func(int) bool { return true })
	p, err := pool.New(context.Background(), cfg, m, pool.WithPorts(ports), pool.WithRecorder(agg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return fixture{pool: p, spawner: spawner, prober: prober, sampler: fakeproc.NewSampler(), agg: agg}
}

func (f fixture) monitor(t *testing.T, threshold int) *health.Monitor {
	t.Helper()

	cfg := health.DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.FailureThreshold = threshold
	cfg.ProbeTimeout = 100 * time.Millisecond

	m, err := health.NewMonitor(f.pool, cfg,
		health.WithProber(f.prober),
		health.WithSampler(f.sampler),
		health.WithRecorder(f.agg))
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func (f fixture) instance(t *testing.T) pool.InstanceInfo {
	t.Helper()
	info, err := f.pool.Get(1)
	require.NoError(t, err)
	return info
}

// TestMonitor_ThresholdFlipsHealth tests consecutive failures and recovery
func TestMonitor_ThresholdFlipsHealth(t *testing.T) {
	f := newFixture(t, false)
	m := f.monitor(t, 2)
	ctx := context.Background()

	f.prober.SetDown(f.instance(t).Port, true)

	res := m.CheckOnce(ctx)
	require.Len(t, res, 1)
	assert.False(t, res[0].Healthy)
	assert.Equal(t, 1, res[0].Failures)
	assert.ErrorIs(t, res[0].Err, fleeterr.ErrHealthCheckFailed)
	assert.True(t, f.instance(t).Healthy, "one failure is below the threshold")

	m.CheckOnce(ctx)
	info := f.instance(t)
	assert.False(t, info.Healthy)
	assert.False(t, info.Available)
	assert.Equal(t, 0, info.Restarts, "auto restart is off")

	f.prober.SetDown(info.Port, false)
	res = m.CheckOnce(ctx)
	require.Len(t, res, 1)
	assert.True(t, res[0].Healthy)
	assert.True(t, f.instance(t).Healthy)
	assert.True(t, f.instance(t).Available)

	snap := f.agg.Snapshot()
	assert.Equal(t, uint64(3), snap.HealthChecks)
	assert.Equal(t, uint64(2), snap.HealthFailures)
}

// TestMonitor_SuccessResetsCount tests that failures must be consecutive
func TestMonitor_SuccessResetsCount(t *testing.T) {
	f := newFixture(t, false)
	m := f.monitor(t, 2)
	ctx := context.Background()
	port := f.instance(t).Port

	f.prober.SetDown(port, true)
	m.CheckOnce(ctx)
	f.prober.SetDown(port, false)
	m.CheckOnce(ctx)
	f.prober.SetDown(port, true)
	m.CheckOnce(ctx)

	assert.True(t, f.instance(t).Healthy)
}

// TestMonitor_CrashRestarts tests that a crashed instance gets a new process
func TestMonitor_CrashRestarts(t *testing.T) {
	f := newFixture(t, true)
	m := f.monitor(t, 2)
	ctx := context.Background()

	before := f.instance(t)
	require.True(t, f.spawner.Crash(before.PID))
	require.Eventually(t, func() bool {
		return f.instance(t).State == pool.StateCrashed
	}, time.Second, 5*time.Millisecond)

	m.CheckOnce(ctx)
	m.CheckOnce(ctx)

	require.Eventually(t, func() bool {
		info := f.instance(t)
		return info.State == pool.StateRunning && info.Healthy
	}, time.Second, 5*time.Millisecond)

	after := f.instance(t)
	assert.Equal(t, before.ID, after.ID)
	assert.NotEqual(t, before.PID, after.PID)
	assert.NotEqual(t, before.Port, after.Port)
	assert.Equal(t, 1, after.Restarts)
	assert.Equal(t, uint64(1), f.agg.Snapshot().Restarts)
}

// TestMonitor_CrashWithoutRestartFreesSlot tests that a dead instance is removed
// when auto restart is off
func TestMonitor_CrashWithoutRestartFreesSlot(t *testing.T) {
	f := newFixture(t, false)
	m := f.monitor(t, 2)
	ctx := context.Background()

	info := f.instance(t)
	require.True(t, f.spawner.Crash(info.PID))
	require.Eventually(t, func() bool {
		return f.instance(t).State == pool.StateCrashed
	}, time.Second, 5*time.Millisecond)

	m.CheckOnce(ctx)
	m.CheckOnce(ctx)

	require.Eventually(t, func() bool {
		return f.pool.Size() == 0
	}, time.Second, 5*time.Millisecond)
	_, err := f.pool.Get(info.ID)
	assert.ErrorIs(t, err, fleeterr.ErrInstanceNotFound)

	require.NoError(t, f.pool.Scale(ctx, 2))
	assert.Equal(t, 2, f.pool.Stats().Available)
	assert.Equal(t, 2, f.spawner.Running())
}

// TestMonitor_CrashWithoutRestartReplenishes tests that removal tops the pool up to MinSize
func TestMonitor_CrashWithoutRestartReplenishes(t *testing.T) {
	f := newFixture(t, false, func(cfg *pool.Config) { cfg.MinSize = 1 })
	m := f.monitor(t, 1)
	ctx := context.Background()

	info := f.instance(t)
	require.True(t, f.spawner.Crash(info.PID))
	require.Eventually(t, func() bool {
		return f.instance(t).State == pool.StateCrashed
	}, time.Second, 5*time.Millisecond)

	m.CheckOnce(ctx)

	require.Eventually(t, func() bool {
		replacement, err := f.pool.Get(2)
		return err == nil && replacement.State == pool.StateRunning
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.pool.Size())
	assert.Equal(t, 1, f.pool.Stats().Available)
}

// TestMonitor_OutOfMemory tests the memory limit check and usage reporting
func TestMonitor_OutOfMemory(t *testing.T) {
	f := newFixture(t, false)
	m := f.monitor(t, 1)
	ctx := context.Background()

	info := f.instance(t)
	f.sampler.Set(info.PID, procmgr.Usage{CPUPercent: 30, MemoryBytes: 600 << 20})

	res := m.CheckOnce(ctx)
	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, fleeterr.ErrOutOfMemory)

	info = f.instance(t)
	assert.False(t, info.Healthy)
	assert.Equal(t, uint64(600<<20), info.MemoryBytes)
	assert.Equal(t, 30.0, info.CPUPercent)

	snap := f.agg.Snapshot()
	assert.Equal(t, uint64(600<<20), snap.TotalMemoryBytes)
	assert.Equal(t, 30.0, snap.TotalCPUPercent)
	assert.Equal(t, 1, snap.Instances.Unhealthy)
}

// TestMonitor_Loop tests the background loop end to end
func TestMonitor_Loop(t *testing.T) {
	f := newFixture(t, true)
	m := f.monitor(t, 1)

	before := f.instance(t)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	require.True(t, f.spawner.Crash(before.PID))
	require.Eventually(t, func() bool {
		info := f.instance(t)
		return info.PID != before.PID && info.State == pool.StateRunning && info.Healthy
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, health.DefaultConfig().Validate())

	cfg := health.DefaultConfig()
	cfg.FailureThreshold = 0
	assert.ErrorIs(t, cfg.Validate(), fleeterr.ErrInvalidParam)

	cfg = health.DefaultConfig()
	cfg.Interval = 0
	assert.ErrorIs(t, cfg.Validate(), fleeterr.ErrInvalidParam)

	_, err := health.NewMonitor(nil, health.DefaultConfig())
	assert.ErrorIs(t, err, fleeterr.ErrInvalidParam)
}
