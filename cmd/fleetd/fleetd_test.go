package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/task"
)

func instanceFor(t *testing.T, srv *httptest.Server) pool.InstanceInfo {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return pool.InstanceInfo{ID: 1, Port: port}
}

func TestVersionHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/version", r.URL.Path)
		_, _ = w.Write([]byte(`{"Browser":"HeadlessChrome/120.0","Protocol-Version":"1.3","User-Agent":"Mozilla/5.0","webSocketDebuggerUrl":"ws://x"}`))
	}))
	defer srv.Close()

	h := newVersionHandler(time.Second)
	out, err := h(context.Background(), task.Task{ID: 1, Type: versionTaskType}, instanceFor(t, srv))
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal(out, &info))
	assert.Equal(t, "HeadlessChrome/120.0", info.Browser)
	assert.Equal(t, "1.3", info.ProtocolVersion)
}

func TestVersionHandler_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	inst := instanceFor(t, srv)
	h := newVersionHandler(time.Second)

	_, err := h(context.Background(), task.Task{}, inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.False(t, fleeterr.HasCode(err, fleeterr.CodeHealthCheckFailed))

	srv.Close()
	_, err = h(context.Background(), task.Task{}, inst)
	assert.ErrorIs(t, err, fleeterr.ErrHealthCheckFailed, "unreachable instances are instance faults")
}

func TestLoadConfig_EnvAndFile(t *testing.T) {
	t.Setenv("FLEET_POOL_MAX_SIZE", "9")
	t.Setenv("FLEET_SCHEDULER_WORKERS", "6")

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader("pool:\n  initial_size: 3\nhealth:\n  interval: 7s\n")))
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pool.InitialSize)
	assert.Equal(t, 9, cfg.Pool.MaxSize)
	assert.Equal(t, 6, cfg.Scheduler.Workers)
	assert.Equal(t, 7*time.Second, cfg.Health.Interval)
	assert.Equal(t, "round_robin", cfg.Pool.Strategy, "untouched keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Launcher.Timeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	v := viper.New()
	v.Set("pool.initial_size", 50)

	_, err := loadConfig(v)
	assert.ErrorIs(t, err, fleeterr.ErrInvalidParam)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, metrics.Snapshot{Completed: 9, Failed: 1, Launches: 2}, 10, 2*time.Second)

	out := buf.String()
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "90.0%")
	assert.Contains(t, out, "5.0 tasks/s")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.True(t, strings.HasPrefix(buf.String(), "fleetd dev"))
}
