package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/het0814/SD-voice-ai-service/internal/monitoring"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Queue calls for every specialist whose verification is due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		queued, err := env.Orchestrator.Sweep(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "schedule")
		}
		return printJSON(cmd.OutOrStdout(), map[string]int{"queued": queued})
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Place queued calls within the concurrency and rate limits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		reap, _ := cmd.Flags().GetBool("reap")
		reaped := 0
		if reap {
			if reaped, err = env.Orchestrator.ReapStale(cmd.Context()); err != nil {
				return eris.Wrap(err, "dispatch: reap")
			}
		}
		placed, err := env.Orchestrator.DispatchQueued(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "dispatch")
		}
		return printJSON(cmd.OutOrStdout(), map[string]int{"placed": placed, "reaped": reaped})
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Reconcile completed calls that have not been processed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		loop, _ := cmd.Flags().GetBool("loop")
		if !loop {
			n, err := env.Orchestrator.ProcessCompleted(ctx)
			if err != nil {
				return eris.Wrap(err, "process")
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"reconciled": n})
		}

		runProcessLoop(ctx, env, cfg.Scheduler.ProcessInterval())
		return nil
	},
}

// runProcessLoop reconciles on every tick until ctx is cancelled.
func runProcessLoop(ctx context.Context, env *serviceEnv, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := zap.L().With(zap.String("component", "process"))
	log.Info("starting process loop", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := env.Orchestrator.ProcessCompleted(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("process: pass failed", zap.Error(err))
		} else if n > 0 {
			log.Info("process: pass complete", zap.Int("reconciled", n))
		}
		select {
		case <-ctx.Done():
			log.Info("process loop stopped")
			return
		case <-ticker.C:
		}
	}
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scheduler loop and the queue monitor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(env.Collector, env.Alerter, cfg.Monitoring)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			env.Orchestrator.Run(gctx, cfg.Scheduler.Interval())
			return nil
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		return g.Wait()
	},
}

func init() {
	dispatchCmd.Flags().Bool("reap", true, "fail stale in-flight calls before dispatching")
	processCmd.Flags().Bool("loop", false, "keep polling on scheduler.process_interval_secs")

	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(workerCmd)
}
