package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpkit/fleet/pkg/balancer"
	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/retry"
	"github.com/cdpkit/fleet/pkg/task"
	"github.com/cdpkit/fleet/pkg/testing/fakeproc"
)

func testConfig(initial, maxSize int) pool.Config {
	cfg := pool.DefaultConfig()
	cfg.InitialSize = initial
	cfg.MinSize = 0
	cfg.MaxSize = maxSize
	cfg.Launch = fakeproc.LaunchConfig()
	cfg.LaunchRetry = retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Factor: 1}
	return cfg
}

type fixture struct {
	pool    *pool.Pool
	spawner *fakeproc.Spawner
	prober  *fakeproc.Prober
}

func newFixture(t *testing.T, cfg pool.Config, spawner *fakeproc.Spawner, opts ...pool.Option) fixture {
	t.Helper()

	if spawner == nil {
		spawner = fakeproc.NewSpawner()
	}
	prober := fakeproc.NewProber()
	m := fakeproc.NewManager(t, spawner, prober)

	ports := procmgr.NewPortAllocator(20000).WithPortCheck(func(int) bool { return true })
	base := []pool.Option{pool.WithPorts(ports)}

	p, err := pool.New(context.Background(), cfg, m, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return fixture{pool: p, spawner: spawner, prober: prober}
}

// manualClock reports a settable time and moves it by step on every read.
// Delays still run on the wall clock.
type manualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) SetStep(d time.Duration) {
	c.mu.Lock()
	c.step = d
	c.mu.Unlock()
}

func acquireNow(t *testing.T, p *pool.Pool, id task.ID) pool.InstanceInfo {
	t.Helper()
	info, err := p.Acquire(context.Background(), pool.AcquireRequest{TaskID: id})
	require.NoError(t, err)
	return info
}

// TestNew_LaunchesInitialInstances tests initial pool growth
func TestNew_LaunchesInitialInstances(t *testing.T) {
	f := newFixture(t, testConfig(3, 4), nil)

	infos := f.pool.Instances()
	require.Len(t, infos, 3)

	ports := map[int]bool{}
	for i, info := range infos {
		assert.Equal(t, task.InstanceID(i+1), info.ID, "registration order")
		assert.Equal(t, pool.StateRunning, info.State)
		assert.True(t, info.Available)
		assert.True(t, info.Healthy)
		assert.NotZero(t, info.PID)
		assert.DirExists(t, info.WorkDir)
		ports[info.Port] = true
	}
	assert.Len(t, ports, 3, "ports are unique")
	assert.Equal(t, 3, f.spawner.Running())

	stats := f.pool.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Available)
	assert.Equal(t, balancer.StrategyRoundRobin, stats.Strategy)
}

// TestNew_PoolInitFailed tests that a pool below its minimum is not returned
func TestNew_PoolInitFailed(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	spawner.FailNext(100)
	m := fakeproc.NewManager(t, spawner, fakeproc.NewProber())

	cfg := testConfig(2, 4)
	cfg.MinSize = 1

	p, err := pool.New(context.Background(), cfg, m)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, fleeterr.HasCode(err, fleeterr.CodePoolInitFailed))
	assert.ErrorIs(t, err, fleeterr.ErrLaunchFailed, "cause is kept")
	assert.Zero(t, spawner.Running())
}

// TestNew_PartialStart tests that a pool above its minimum starts degraded
func TestNew_PartialStart(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	spawner.FailNext(2) // both attempts of one instance

	cfg := testConfig(2, 4)
	cfg.LaunchParallelism = 1
	cfg.MinSize = 1

	f := newFixture(t, cfg, spawner)
	assert.Equal(t, 1, f.pool.Size())
}

func TestNew_InvalidConfig(t *testing.T) {
	m := fakeproc.NewManager(t, fakeproc.NewSpawner(), fakeproc.NewProber())

	cfg := testConfig(5, 2)
	_, err := pool.New(context.Background(), cfg, m)
	assert.ErrorIs(t, err, fleeterr.ErrInvalidParam)

	_, err = pool.New(context.Background(), testConfig(1, 2), nil)
	assert.ErrorIs(t, err, fleeterr.ErrInvalidParam)
}

// TestAcquire_PoolEmptyImmediately tests a zero wait on a busy pool
func TestAcquire_PoolEmptyImmediately(t *testing.T) {
	f := newFixture(t, testConfig(2, 2), nil)

	a := acquireNow(t, f.pool, 1)
	b := acquireNow(t, f.pool, 2)
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.Busy)
	assert.Equal(t, task.ID(1), a.CurrentTask)

	start := time.Now()
	_, err := f.pool.Acquire(context.Background(), pool.AcquireRequest{TaskID: 3})
	assert.ErrorIs(t, err, fleeterr.ErrPoolEmpty)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	f.pool.Release(a.ID)
	c := acquireNow(t, f.pool, 3)
	assert.Equal(t, a.ID, c.ID)
}

// TestAcquire_WaitsForRelease tests blocking acquire
func TestAcquire_WaitsForRelease(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	held := acquireNow(t, f.pool, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.pool.Release(held.ID)
	}()

	info, err := f.pool.Acquire(context.Background(), pool.AcquireRequest{TaskID: 2, Wait: time.Second})
	require.NoError(t, err)
	assert.Equal(t, held.ID, info.ID)
	assert.Equal(t, task.ID(2), info.CurrentTask)
}

// TestAcquire_WaitTimeout tests that a bounded wait gives up with PoolEmpty
func TestAcquire_WaitTimeout(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)
	acquireNow(t, f.pool, 1)

	start := time.Now()
	_, err := f.pool.Acquire(context.Background(), pool.AcquireRequest{TaskID: 2, Wait: 30 * time.Millisecond})
	assert.ErrorIs(t, err, fleeterr.ErrPoolEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

// TestAcquire_ContextCancelled tests that ctx ends a blocking acquire
func TestAcquire_ContextCancelled(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)
	acquireNow(t, f.pool, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.pool.Acquire(ctx, pool.AcquireRequest{TaskID: 2, Wait: time.Minute})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestAcquire_Exclusive tests that no instance is held twice at once
func TestAcquire_Exclusive(t *testing.T) {
	f := newFixture(t, testConfig(3, 3), nil)

	var (
		mu       sync.Mutex
		held     = map[task.InstanceID]bool{}
		overlaps int
		wg       sync.WaitGroup
	)

	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				info, err := f.pool.Acquire(context.Background(), pool.AcquireRequest{
					TaskID: task.ID(w*100 + i + 1),
					Wait:   5 * time.Second,
				})
				if !assert.NoError(t, err) {
					return
				}

				mu.Lock()
				if held[info.ID] {
					overlaps++
				}
				held[info.ID] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				held[info.ID] = false
				mu.Unlock()
				f.pool.Release(info.ID)
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, overlaps)
	assert.Equal(t, 3, f.pool.Stats().Available)
}

// TestAcquire_AvoidIsSoft tests the retry hint
func TestAcquire_AvoidIsSoft(t *testing.T) {
	f := newFixture(t, testConfig(2, 2), nil)

	info, err := f.pool.Acquire(context.Background(), pool.AcquireRequest{TaskID: 1, Avoid: []task.InstanceID{1}})
	require.NoError(t, err)
	assert.Equal(t, task.InstanceID(2), info.ID)

	info, err = f.pool.Acquire(context.Background(), pool.AcquireRequest{TaskID: 2, Avoid: []task.InstanceID{1}})
	require.NoError(t, err)
	assert.Equal(t, task.InstanceID(1), info.ID, "avoided instance is used when it is the only choice")
}

// TestAcquire_SkipsUnhealthy tests that unhealthy instances are never handed out
func TestAcquire_SkipsUnhealthy(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	require.NoError(t, f.pool.MarkUnhealthy(1, errors.New("probe failed")))
	info, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.False(t, info.Available, "available implies healthy")
	assert.Equal(t, "probe failed", info.LastError)

	_, err = f.pool.Acquire(context.Background(), pool.AcquireRequest{TaskID: 1})
	assert.ErrorIs(t, err, fleeterr.ErrPoolEmpty)

	require.NoError(t, f.pool.MarkHealthy(1))
	acquireNow(t, f.pool, 1)

	assert.ErrorIs(t, f.pool.MarkUnhealthy(99, nil), fleeterr.ErrInstanceNotFound)
	assert.ErrorIs(t, f.pool.MarkHealthy(99), fleeterr.ErrInstanceNotFound)
}

// TestRelease_Idempotent tests repeated and unknown releases
func TestRelease_Idempotent(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	info := acquireNow(t, f.pool, 1)
	f.pool.Release(info.ID)
	f.pool.Release(info.ID)
	f.pool.Release(42)

	got, err := f.pool.Get(info.ID)
	require.NoError(t, err)
	assert.True(t, got.Available)
	assert.False(t, got.Busy)
	assert.Zero(t, got.CurrentTask)
	assert.False(t, got.LastUsed.IsZero())
}

// TestRelease_UnhealthyStaysOut tests releasing an instance that failed mid-task
func TestRelease_UnhealthyStaysOut(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	info := acquireNow(t, f.pool, 1)
	require.NoError(t, f.pool.MarkUnhealthy(info.ID, nil))
	f.pool.Release(info.ID)

	got, err := f.pool.Get(info.ID)
	require.NoError(t, err)
	assert.False(t, got.Available)
	assert.False(t, got.Busy)
}

func TestReport_UpdatesCounters(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	f.pool.Report(1, 100*time.Millisecond, nil)
	f.pool.Report(1, 300*time.Millisecond, errors.New("boom"))
	f.pool.Report(77, time.Second, nil)

	info, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Completed)
	assert.Equal(t, uint64(1), info.Failed)
	assert.Equal(t, uint64(1), info.Errors)
	assert.Equal(t, 200*time.Millisecond, info.AvgResponse)
	assert.Equal(t, "boom", info.LastError)

	stats := f.pool.Stats()
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(1), stats.FailedTasks)
}

// TestScale_GrowAndShrink tests that shrinking spares busy instances
func TestScale_GrowAndShrink(t *testing.T) {
	cfg := testConfig(1, 4)
	cfg.MinSize = 1
	f := newFixture(t, cfg, nil)

	require.NoError(t, f.pool.Scale(context.Background(), 3))
	assert.Equal(t, 3, f.pool.Size())
	assert.Equal(t, 3, f.spawner.Running())

	busy := acquireNow(t, f.pool, 1)

	require.NoError(t, f.pool.Scale(context.Background(), 1))
	infos := f.pool.Instances()
	require.Len(t, infos, 1)
	assert.Equal(t, busy.ID, infos[0].ID, "busy instance survives")
	assert.Equal(t, 1, f.spawner.Running())

	// below min is clamped
	require.NoError(t, f.pool.Scale(context.Background(), 0))
	assert.Equal(t, 1, f.pool.Size())

	// above max is clamped
	require.NoError(t, f.pool.Scale(context.Background(), 10))
	assert.Equal(t, 4, f.pool.Size())
}

// TestScale_BusyBlocksShrink tests InstanceBusy when only busy instances remain
func TestScale_BusyBlocksShrink(t *testing.T) {
	f := newFixture(t, testConfig(2, 2), nil)
	acquireNow(t, f.pool, 1)
	acquireNow(t, f.pool, 2)

	err := f.pool.Scale(context.Background(), 0)
	assert.ErrorIs(t, err, fleeterr.ErrInstanceBusy)
	assert.Equal(t, 2, f.pool.Size())
}

// TestScale_ShrinksLeastRecentlyUsed tests victim order
func TestScale_ShrinksLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, testConfig(3, 3), nil)

	for i := 1; i <= 3; i++ {
		info := acquireNow(t, f.pool, task.ID(i))
		require.Equal(t, task.InstanceID(i), info.ID)
		time.Sleep(2 * time.Millisecond)
		f.pool.Release(info.ID)
	}

	require.NoError(t, f.pool.Scale(context.Background(), 2))

	_, err := f.pool.Get(1)
	assert.ErrorIs(t, err, fleeterr.ErrInstanceNotFound)
	_, err = f.pool.Get(2)
	assert.NoError(t, err)
	_, err = f.pool.Get(3)
	assert.NoError(t, err)
}

// TestScale_GrowFailure tests that launch errors surface from Scale
func TestScale_GrowFailure(t *testing.T) {
	f := newFixture(t, testConfig(1, 3), nil)
	f.spawner.FailNext(2)

	err := f.pool.Scale(context.Background(), 2)
	assert.ErrorIs(t, err, fleeterr.ErrLaunchFailed)
	assert.Equal(t, 1, f.pool.Size(), "failed instance is not registered")
}

func TestKill(t *testing.T) {
	f := newFixture(t, testConfig(2, 2), nil)

	info, err := f.pool.Get(1)
	require.NoError(t, err)

	require.NoError(t, f.pool.Kill(context.Background(), 1, false))
	assert.Equal(t, 1, f.pool.Size())
	assert.NoDirExists(t, info.WorkDir)

	proc, ok := f.spawner.Get(info.PID)
	require.True(t, ok)
	assert.True(t, proc.Exited())

	assert.ErrorIs(t, f.pool.Kill(context.Background(), 1, false), fleeterr.ErrInstanceNotFound)
}

// TestKill_Failed tests that a surviving process stays registered
func TestKill_Failed(t *testing.T) {
	spawner := fakeproc.NewSpawner()
	spawner.IgnoreTerm = true
	spawner.Unkillable = true
	f := newFixture(t, testConfig(1, 1), spawner)

	err := f.pool.Kill(context.Background(), 1, false)
	assert.ErrorIs(t, err, fleeterr.ErrKillFailed)

	info, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, pool.StateStopping, info.State)
	assert.False(t, info.Available)
}

// TestRestart_NewProcess tests that a restart keeps the id with a new pid and port
func TestRestart_NewProcess(t *testing.T) {
	agg := metrics.NewAggregator()
	f := newFixture(t, testConfig(1, 1), nil, pool.WithRecorder(agg))

	before, err := f.pool.Get(1)
	require.NoError(t, err)

	require.NoError(t, f.pool.Restart(context.Background(), 1))

	after, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.NotEqual(t, before.PID, after.PID)
	assert.NotEqual(t, before.Port, after.Port)
	assert.Equal(t, 1, after.Restarts)
	assert.Equal(t, pool.StateRunning, after.State)
	assert.True(t, after.Available)
	assert.True(t, after.Healthy)

	old, ok := f.spawner.Get(before.PID)
	require.True(t, ok)
	assert.True(t, old.Exited())

	assert.Equal(t, uint64(1), agg.Snapshot().Restarts)
	assert.Equal(t, uint64(2), agg.Snapshot().Launches)
}

// TestRestart_WhileBusy tests that a held instance stays held after restart
func TestRestart_WhileBusy(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	held := acquireNow(t, f.pool, 7)
	require.NoError(t, f.pool.Restart(context.Background(), held.ID))

	info, err := f.pool.Get(held.ID)
	require.NoError(t, err)
	assert.False(t, info.Available)
	assert.True(t, info.Busy)

	f.pool.Release(held.ID)
	info, err = f.pool.Get(held.ID)
	require.NoError(t, err)
	assert.True(t, info.Available)
}

// TestRestart_LimitRemovesInstance tests the restart bound
func TestRestart_LimitRemovesInstance(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.Launch.MaxRestartAttempts = 1
	f := newFixture(t, cfg, nil)

	require.NoError(t, f.pool.Restart(context.Background(), 1))

	err := f.pool.Restart(context.Background(), 1)
	assert.ErrorIs(t, err, fleeterr.ErrMaxRetriesExceeded)
	assert.Zero(t, f.pool.Size())
	assert.Zero(t, f.spawner.Running())

	assert.ErrorIs(t, f.pool.Restart(context.Background(), 1), fleeterr.ErrInstanceNotFound)
}

// TestRestart_LaunchFailure tests that a failed relaunch leaves the instance failed
func TestRestart_LaunchFailure(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)
	f.spawner.FailNext(1)

	err := f.pool.Restart(context.Background(), 1)
	assert.ErrorIs(t, err, fleeterr.ErrLaunchFailed)

	info, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, pool.StateFailed, info.State)
	assert.False(t, info.Available)
	assert.Equal(t, 1, f.pool.Stats().Failed)

	require.NoError(t, f.pool.Restart(context.Background(), 1))
	info, err = f.pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, pool.StateRunning, info.State)
	assert.True(t, info.Available)
}

// TestRestart_LimitReplenishes tests that a removed instance is replaced up to MinSize
func TestRestart_LimitReplenishes(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.MinSize = 1
	cfg.Launch.MaxRestartAttempts = 1
	f := newFixture(t, cfg, nil)

	require.NoError(t, f.pool.Restart(context.Background(), 1))
	err := f.pool.Restart(context.Background(), 1)
	assert.ErrorIs(t, err, fleeterr.ErrMaxRetriesExceeded)

	assert.Equal(t, 1, f.pool.Size())
	assert.Equal(t, 1, f.spawner.Running())
	_, err = f.pool.Get(1)
	assert.ErrorIs(t, err, fleeterr.ErrInstanceNotFound)

	info, err := f.pool.Get(2)
	require.NoError(t, err)
	assert.Equal(t, pool.StateRunning, info.State)
	assert.True(t, info.Available)
	assert.Zero(t, info.Restarts)
}

// TestRestart_WindowForgetsRestarts tests that a long healthy run resets the count
func TestRestart_WindowForgetsRestarts(t *testing.T) {
	clock := newManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := testConfig(1, 1)
	cfg.Launch.MaxRestartAttempts = 1
	cfg.RestartWindow = time.Minute
	f := newFixture(t, cfg, nil, pool.WithClock(clock))

	require.NoError(t, f.pool.Restart(context.Background(), 1))

	clock.Advance(2 * time.Minute)
	require.NoError(t, f.pool.Restart(context.Background(), 1))

	info, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Restarts, "count restarted after the window")

	err = f.pool.Restart(context.Background(), 1)
	assert.ErrorIs(t, err, fleeterr.ErrMaxRetriesExceeded, "second restart inside the window")
}

// TestPool_UsesInjectedClock tests timestamps and acquire deadlines against the pool clock
func TestPool_UsesInjectedClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newManualClock(start)
	f := newFixture(t, testConfig(1, 1), nil, pool.WithClock(clock))

	assert.Equal(t, start, f.pool.Stats().CreatedAt)

	held := acquireNow(t, f.pool, 1)
	clock.Advance(time.Minute)
	f.pool.Release(held.ID)

	info, err := f.pool.Get(held.ID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute), info.LastUsed)

	acquireNow(t, f.pool, 2)
	clock.SetStep(2 * time.Hour)

	begin := time.Now()
	_, err = f.pool.Acquire(context.Background(), pool.AcquireRequest{TaskID: 3, Wait: time.Hour})
	assert.ErrorIs(t, err, fleeterr.ErrPoolEmpty)
	assert.Less(t, time.Since(begin), time.Second, "deadline passed on the pool clock")
}

func TestIsAlive(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	info, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.True(t, f.pool.IsAlive(1))
	assert.False(t, f.pool.IsAlive(9))

	require.True(t, f.spawner.Crash(info.PID))
	require.Eventually(t, func() bool { return !f.pool.IsAlive(1) }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := f.pool.Get(1)
		return err == nil && got.State == pool.StateCrashed
	}, time.Second, 5*time.Millisecond)

	got, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.False(t, got.Healthy)
	assert.False(t, got.Available)
	assert.Equal(t, 1, f.pool.Stats().Failed)
}

func TestUpdateUsage(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	require.NoError(t, f.pool.UpdateUsage(1, procmgr.Usage{CPUPercent: 12.5, MemoryBytes: 4096}))
	info, err := f.pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 12.5, info.CPUPercent)
	assert.Equal(t, uint64(4096), info.MemoryBytes)

	assert.ErrorIs(t, f.pool.UpdateUsage(5, procmgr.Usage{}), fleeterr.ErrInstanceNotFound)
}

func TestSetStrategy(t *testing.T) {
	f := newFixture(t, testConfig(1, 1), nil)

	require.NoError(t, f.pool.SetStrategy(balancer.StrategyLeastLoaded))
	assert.Equal(t, balancer.StrategyLeastLoaded, f.pool.Strategy())

	assert.ErrorIs(t, f.pool.SetStrategy("fastest"), fleeterr.ErrInvalidParam)
	assert.Equal(t, balancer.StrategyLeastLoaded, f.pool.Strategy())
}

// TestClose tests shutdown of all instances
func TestClose(t *testing.T) {
	f := newFixture(t, testConfig(3, 3), nil)

	require.NoError(t, f.pool.Close(context.Background()))
	assert.Zero(t, f.spawner.Running())
	assert.Zero(t, f.pool.Size())

	_, err := f.pool.Acquire(context.Background(), pool.AcquireRequest{TaskID: 1})
	assert.ErrorIs(t, err, pool.ErrClosed)
	assert.ErrorIs(t, f.pool.Scale(context.Background(), 2), pool.ErrClosed)
	assert.NoError(t, f.pool.Close(context.Background()))
}

// TestPool_PublishesGauges tests that pool changes reach the recorder
func TestPool_PublishesGauges(t *testing.T) {
	agg := metrics.NewAggregator()
	f := newFixture(t, testConfig(2, 2), nil, pool.WithRecorder(agg))

	assert.Equal(t, uint64(2), agg.Snapshot().Launches)
	assert.Equal(t, metrics.PoolGauge{Total: 2, Available: 2}, agg.Snapshot().Instances)

	acquireNow(t, f.pool, 1)
	assert.Equal(t, metrics.PoolGauge{Total: 2, Available: 1, Busy: 1}, agg.Snapshot().Instances)

	require.NoError(t, f.pool.MarkUnhealthy(2, nil))
	assert.Equal(t, metrics.PoolGauge{Total: 2, Busy: 1, Unhealthy: 1}, agg.Snapshot().Instances)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*pool.Config)
	}{
		{"zero max", func(c *pool.Config) { c.MaxSize = 0 }},
		{"min above max", func(c *pool.Config) { c.MinSize = 5 }},
		{"initial below min", func(c *pool.Config) { c.MinSize = 2; c.InitialSize = 1 }},
		{"unknown strategy", func(c *pool.Config) { c.Strategy = "weighted" }},
		{"negative retries", func(c *pool.Config) { c.LaunchRetry.MaxRetries = -1 }},
		{"negative restart window", func(c *pool.Config) { c.RestartWindow = -time.Second }},
		{"autoscale thresholds", func(c *pool.Config) {
			c.AutoScale.Enabled = true
			c.AutoScale.ScaleDownCPU = 90
		}},
		{"bad launch config", func(c *pool.Config) { c.Launch.WindowWidth = 10 }},
	}

	assert.NoError(t, pool.DefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pool.DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), fleeterr.ErrInvalidParam)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", pool.StateStarting.String())
	assert.Equal(t, "crashed", pool.StateCrashed.String())
	assert.Equal(t, "unknown", pool.State(42).String())
}
