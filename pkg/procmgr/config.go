package procmgr

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cdpkit/fleet/pkg/fleeterr"
)

// DefaultUserAgent is sent by launched browsers unless overridden
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/120.0.0.0 Safari/537.36 CDP-Client/1.0"

// BrowserPathEnv overrides executable discovery
const BrowserPathEnv = "FLEET_BROWSER_PATH"

// LaunchConfig describes how to start one browser instance. A snapshot is
// taken at launch; later changes do not affect running instances.
type LaunchConfig struct {
	ExecutablePath string `yaml:"executable_path" mapstructure:"executable_path"`

	// UserDataDir is the profile directory. Empty means a fresh directory
	// under the manager's temp root.
	UserDataDir string `yaml:"user_data_dir" mapstructure:"user_data_dir"`

	WindowWidth  int `yaml:"window_width" mapstructure:"window_width"`
	WindowHeight int `yaml:"window_height" mapstructure:"window_height"`

	Headless          bool `yaml:"headless" mapstructure:"headless"`
	NoSandbox         bool `yaml:"no_sandbox" mapstructure:"no_sandbox"`
	DisableGPU        bool `yaml:"disable_gpu" mapstructure:"disable_gpu"`
	DisableDevShm     bool `yaml:"disable_dev_shm_usage" mapstructure:"disable_dev_shm_usage"`
	Incognito         bool `yaml:"incognito" mapstructure:"incognito"`
	DisableExtensions bool `yaml:"disable_extensions" mapstructure:"disable_extensions"`

	ProxyServer string   `yaml:"proxy_server" mapstructure:"proxy_server"`
	UserAgent   string   `yaml:"user_agent" mapstructure:"user_agent"`
	ExtraFlags  []string `yaml:"extra_flags" mapstructure:"extra_flags"`
	Env         []string `yaml:"env" mapstructure:"env"`

	MemoryLimitMB int           `yaml:"memory_limit_mb" mapstructure:"memory_limit_mb"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`

	AutoRestart        bool `yaml:"auto_restart" mapstructure:"auto_restart"`
	MaxRestartAttempts int  `yaml:"max_restart_attempts" mapstructure:"max_restart_attempts"`
}

// DefaultLaunchConfig returns headless defaults suitable for servers
func DefaultLaunchConfig() LaunchConfig {
	return LaunchConfig{
		WindowWidth:        1280,
		WindowHeight:       720,
		Headless:           true,
		NoSandbox:          true,
		DisableGPU:         true,
		DisableDevShm:      true,
		UserAgent:          DefaultUserAgent,
		MemoryLimitMB:      512,
		Timeout:            30 * time.Second,
		AutoRestart:        true,
		MaxRestartAttempts: 3,
	}
}

// Validate checks ranges and paths
func (c LaunchConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, format, args...)
	}

	if c.WindowWidth < 100 || c.WindowWidth > 4096 || c.WindowHeight < 100 || c.WindowHeight > 4096 {
		return invalid("window size %dx%d out of range 100-4096", c.WindowWidth, c.WindowHeight)
	}
	if c.MemoryLimitMB < 64 || c.MemoryLimitMB > 8192 {
		return invalid("memory limit %d MB out of range 64-8192", c.MemoryLimitMB)
	}
	if c.Timeout < 5*time.Second || c.Timeout > 300*time.Second {
		return invalid("timeout %s out of range 5s-300s", c.Timeout)
	}
	if c.MaxRestartAttempts < 0 {
		return invalid("max restart attempts must not be negative")
	}
	if c.UserDataDir != "" {
		if st, err := os.Stat(c.UserDataDir); err == nil && !st.IsDir() {
			return invalid("user data dir %s is not a directory", c.UserDataDir)
		}
	}
	return nil
}

// ValidPort reports whether port can be used for the control channel.
// Zero means allocate automatically.
func ValidPort(port int) bool {
	return port == 0 || (port >= 1024 && port <= 65535)
}

// BuildArgs returns the browser argv (without the executable)
func (c LaunchConfig) BuildArgs(port int, userDataDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + userDataDir,
		fmt.Sprintf("--window-size=%d,%d", c.WindowWidth, c.WindowHeight),
	}

	if c.Headless {
		args = append(args, "--headless")
	}
	if c.NoSandbox {
		args = append(args, "--no-sandbox")
	}
	if c.DisableGPU {
		args = append(args, "--disable-gpu")
	}
	if c.DisableDevShm {
		args = append(args, "--disable-dev-shm-usage")
	}
	if c.Incognito {
		args = append(args, "--incognito")
	}
	if c.DisableExtensions {
		args = append(args, "--disable-extensions")
	}

	// Keep background tabs responsive to automation
	args = append(args,
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--disable-features=TranslateUI",
		"--disable-ipc-flooding-protection",
		"--no-first-run",
		"--no-default-browser-check",
	)

	if c.ProxyServer != "" {
		args = append(args, "--proxy-server="+c.ProxyServer)
	}
	if c.UserAgent != "" {
		args = append(args, "--user-agent="+c.UserAgent)
	}
	if c.MemoryLimitMB > 0 {
		args = append(args, "--js-flags=--max_old_space_size="+strconv.Itoa(c.MemoryLimitMB))
	}
	for _, f := range c.ExtraFlags {
		args = append(args, strings.Fields(f)...)
	}

	return append(args, "about:blank")
}

// FindExecutable locates a Chrome or Chromium binary. BrowserPathEnv wins
// when set.
func FindExecutable() (string, error) {
	if p := os.Getenv(BrowserPathEnv); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fleeterr.Wrap(fleeterr.CodeLaunchFailed, err, "browser path from "+BrowserPathEnv+" not usable")
		}
		return p, nil
	}

	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/usr/local/bin/chromium",
		}
	default:
		candidates = []string{
			"/opt/google/chrome/chrome",
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium-browser",
			"/usr/bin/chromium",
			"/snap/bin/chromium",
			"/usr/local/bin/chrome",
		}
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}

	return "", fleeterr.New(fleeterr.CodeLaunchFailed, "chrome/chromium executable not found").
		WithSuggestion("install Chrome or Chromium, or set " + BrowserPathEnv)
}
