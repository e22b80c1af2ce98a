package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cdpkit/fleet/pkg/logging"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the browser pool and task scheduler",
	Long: `Start the browser pool, task scheduler, health monitor and (when enabled)
the autoscaler, and serve Prometheus metrics and a health endpoint.

Example:
  fleetd serve
  fleetd serve --config /etc/fleet/fleet.yaml --metrics-addr :9464
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", "", "Metrics and health HTTP address")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Grace period for shutdown")

	_ = viper.BindPFlag("metrics.addr", serveCmd.Flags().Lookup("metrics-addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.Build(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if configFileUsed {
		logger.Watch(viper.GetViper(), "logging.level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := newFleet(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start fleet: %w", err)
	}
	if err := f.start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           f.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("fleet running",
		zap.String("run_id", f.runID),
		zap.Int("instances", f.pool.Size()),
		zap.String("strategy", string(f.pool.Strategy())))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_ = srv.Shutdown(sctx)
	if err := f.shutdown(sctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
		return err
	}
	logger.Info("fleet stopped")
	return nil
}

// healthResponse is the /healthz body
type healthResponse struct {
	Status    string           `json:"status"`
	RunID     string           `json:"run_id"`
	Pool      pool.Stats       `json:"pool"`
	Scheduler scheduler.Stats  `json:"scheduler"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

func (f *fleet) routes() http.Handler {
	mux := http.NewServeMux()

	if f.prometheus != nil {
		mux.Handle(f.cfg.Metrics.Path, promhttp.HandlerFor(f.prometheus.Registry(), promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		stats := f.pool.Stats()
		resp := healthResponse{
			Status:    "ok",
			RunID:     f.runID,
			Pool:      stats,
			Scheduler: f.scheduler.Stats(),
			Metrics:   f.aggregator.Snapshot(),
		}
		code := http.StatusOK
		if stats.Available == 0 && stats.Busy == 0 {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})

	return mux
}
