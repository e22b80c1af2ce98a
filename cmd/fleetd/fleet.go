package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cdpkit/fleet/pkg/config"
	"github.com/cdpkit/fleet/pkg/health"
	"github.com/cdpkit/fleet/pkg/logging"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/scheduler"
)

// fleet wires the components of one daemon run
type fleet struct {
	cfg    config.Config
	runID  string
	logger *logging.Logger

	aggregator *metrics.Aggregator
	prometheus *metrics.PrometheusRecorder

	manager    *procmgr.Manager
	pool       *pool.Pool
	scheduler  *scheduler.Scheduler
	monitor    *health.Monitor
	autoscaler *pool.AutoScaler
}

func newFleet(ctx context.Context, cfg config.Config, logger *logging.Logger) (*fleet, error) {
	f := &fleet{
		cfg:        cfg,
		runID:      uuid.NewString(),
		logger:     logger,
		aggregator: metrics.NewAggregator(),
	}
	log := logger.With(zap.String("run_id", f.runID))

	recorders := []metrics.Recorder{f.aggregator}
	if cfg.Metrics.Enabled {
		f.prometheus = metrics.NewPrometheusRecorder(cfg.Metrics.Namespace)
		recorders = append(recorders, f.prometheus)
	}
	recorder := metrics.Multi(recorders...)

	if cfg.Launcher.ExecutablePath == "" {
		path, err := procmgr.FindExecutable()
		if err != nil {
			return nil, err
		}
		cfg.Launcher.ExecutablePath = path
		f.cfg.Launcher.ExecutablePath = path
	}

	manager, err := procmgr.NewManager(
		procmgr.WithLogger(log.Named("procmgr")),
		procmgr.WithProber(procmgr.NewHTTPProber(cfg.Health.ProbeTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("create process manager: %w", err)
	}
	f.manager = manager

	p, err := pool.New(ctx, cfg.PoolConfig(), manager,
		pool.WithLogger(log.Named("pool")),
		pool.WithRecorder(recorder),
		pool.WithPorts(procmgr.NewPortAllocator(cfg.Pool.BasePort)))
	if err != nil {
		_ = manager.Cleanup()
		return nil, err
	}
	f.pool = p

	sched, err := scheduler.New(cfg.Scheduler, p,
		scheduler.WithLogger(log.Named("scheduler")),
		scheduler.WithRecorder(recorder))
	if err != nil {
		f.closePool(ctx)
		return nil, err
	}
	if err := sched.RegisterHandler(versionTaskType, newVersionHandler(cfg.Health.ProbeTimeout)); err != nil {
		f.closePool(ctx)
		return nil, err
	}
	f.scheduler = sched

	sampler, err := procmgr.NewUsageSampler()
	if err != nil {
		log.Warn("resource sampling unavailable", zap.Error(err))
	}
	opts := []health.Option{
		health.WithLogger(log.Named("health")),
		health.WithRecorder(recorder),
		health.WithProber(procmgr.NewHTTPProber(cfg.Health.ProbeTimeout)),
	}
	if sampler != nil {
		opts = append(opts, health.WithSampler(sampler))
	}
	mon, err := health.NewMonitor(p, cfg.Health, opts...)
	if err != nil {
		f.closePool(ctx)
		return nil, err
	}
	f.monitor = mon

	if cfg.Pool.AutoScale.Enabled {
		f.autoscaler = pool.NewAutoScaler(p, cfg.Pool.AutoScale, log.Named("autoscale"))
	}
	return f, nil
}

// start launches the background loops
func (f *fleet) start(ctx context.Context) error {
	if err := f.scheduler.Start(); err != nil {
		return err
	}
	go f.monitor.Start(ctx)
	if f.autoscaler != nil {
		go f.autoscaler.Start(ctx)
	}
	return nil
}

// shutdown stops everything in reverse dependency order
func (f *fleet) shutdown(ctx context.Context) error {
	var errs []error

	if f.autoscaler != nil {
		f.autoscaler.Stop()
	}
	f.monitor.Stop()
	if err := f.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := f.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}
	if err := f.manager.Cleanup(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (f *fleet) closePool(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := f.pool.Close(cctx); err != nil {
		f.logger.Warn("close pool", zap.Error(err))
	}
	_ = f.manager.Cleanup()
}
