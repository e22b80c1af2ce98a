package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/scheduler"
	"github.com/cdpkit/fleet/pkg/task"
)

// versionTaskType is the built-in task that reads the DevTools version
const versionTaskType = "version"

// versionInfo is the subset of /json/version the handler returns
type versionInfo struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
	UserAgent       string `json:"User-Agent"`
	V8Version       string `json:"V8-Version,omitempty"`
}

// newVersionHandler returns a handler that fetches the version document of
// the instance it runs on
func newVersionHandler(timeout time.Duration) scheduler.Handler {
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, _ task.Task, inst pool.InstanceInfo) ([]byte, error) {
		url := "http://" + inst.Address() + procmgr.VersionPath
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fleeterr.Wrap(fleeterr.CodeHealthCheckFailed, err, "control channel unreachable").
				WithContext("instance", inst.ID)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
		}

		var info versionInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, fmt.Errorf("decode version: %w", err)
		}
		return json.Marshal(info)
	}
}
