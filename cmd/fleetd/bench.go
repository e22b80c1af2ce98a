package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cdpkit/fleet/pkg/logging"
	"github.com/cdpkit/fleet/pkg/metrics"
	"github.com/cdpkit/fleet/pkg/task"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Submit a batch of built-in tasks and report metrics",
	Long: `Start the fleet, submit --count tasks of a built-in type, wait for
all of them and print a metrics summary.

Example:
  fleetd bench --count 200 --type version --priority high
`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntP("count", "n", 100, "Number of tasks to submit")
	benchCmd.Flags().String("type", versionTaskType, "Task type to submit")
	benchCmd.Flags().String("priority", "normal", "Task priority (low, normal, high, critical)")
	benchCmd.Flags().Duration("timeout", 5*time.Minute, "Overall time limit")
}

func runBench(cmd *cobra.Command, _ []string) error {
	count, _ := cmd.Flags().GetInt("count")
	taskType, _ := cmd.Flags().GetString("type")
	prioName, _ := cmd.Flags().GetString("priority")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	prio, err := task.ParsePriority(prioName)
	if err != nil {
		return err
	}
	if count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", count)
	}
	if taskType != versionTaskType {
		return fmt.Errorf("unknown task type %q (built-in: %s)", taskType, versionTaskType)
	}

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.Build(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := newFleet(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start fleet: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := f.shutdown(sctx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()
	if err := f.start(ctx); err != nil {
		return err
	}

	started := time.Now()
	ids := make([]task.ID, 0, count)
	for i := 0; i < count; i++ {
		id, err := f.scheduler.SubmitWait(ctx, task.Spec{Type: taskType, Priority: prio})
		if err != nil {
			return fmt.Errorf("submit task %d: %w", i+1, err)
		}
		ids = append(ids, id)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Scheduler.Workers)
	for _, id := range ids {
		g.Go(func() error {
			_, err := f.scheduler.WaitFor(gctx, id, 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("waiting for tasks: %w", err)
	}

	printSummary(cmd.OutOrStdout(), f.aggregator.Snapshot(), count, time.Since(started))
	return nil
}

func printSummary(out io.Writer, s metrics.Snapshot, count int, elapsed time.Duration) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "tasks\t%d\n", count)
	fmt.Fprintf(w, "completed\t%d\n", s.Completed)
	fmt.Fprintf(w, "failed\t%d\n", s.Failed)
	fmt.Fprintf(w, "cancelled\t%d\n", s.Cancelled)
	fmt.Fprintf(w, "retries\t%d\n", s.Retried)
	fmt.Fprintf(w, "success rate\t%.1f%%\n", s.SuccessRate()*100)
	fmt.Fprintf(w, "duration min/avg/max\t%s / %s / %s\n", s.MinDuration, s.AvgDuration, s.MaxDuration)
	fmt.Fprintf(w, "elapsed\t%s\n", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, "rate\t%.1f tasks/s\n", float64(count)/secs)
	}
	fmt.Fprintf(w, "instances\t%d (launches %d, restarts %d)\n", s.Instances.Total, s.Launches, s.Restarts)
}
