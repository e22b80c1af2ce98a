package procmgr

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Prober checks that a control port answers
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, addr string) error

// Probe calls f
func (f ProberFunc) Probe(ctx context.Context, addr string) error {
	return f(ctx, addr)
}

// TCPProber performs TCP connection checks
type TCPProber struct {
	Timeout time.Duration
}

// NewTCPProber creates a TCP prober
func NewTCPProber(timeout time.Duration) *TCPProber {
	return &TCPProber{Timeout: timeout}
}

// Probe dials addr
func (p *TCPProber) Probe(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	return conn.Close()
}

// VersionPath is the DevTools endpoint used for probing
const VersionPath = "/json/version"

// HTTPProber requests the DevTools version endpoint
type HTTPProber struct {
	Client  *http.Client
	Path    string
	Timeout time.Duration
}

// NewHTTPProber creates a prober for the DevTools version endpoint
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		Client:  &http.Client{},
		Path:    VersionPath,
		Timeout: timeout,
	}
}

// Probe expects a 200 from the version endpoint
func (p *HTTPProber) Probe(ctx context.Context, addr string) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	url := "http://" + addr + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return nil
}
