package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jonathan/autoapply/internal/worker"
)

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover stuck tasks and expire overdue approvals",
	Long: `Run the background sweep on recovery_interval: RUNNING tasks older than
stuck_timeout are requeued or failed, and pending approvals past their TTL
are expired. Only one sweeper per host holds the lock at lock_path.`,
	RunE: withApp(runSweep),
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "Run a single sweep and exit")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(ctx context.Context, a *app, _ []string) error {
	sweeper := newSweeper(a)
	if !sweepOnce {
		return sweeper.Run(ctx)
	}

	res, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if err := a.printer.PrintCount("recovered", res.Recovered); err != nil {
		return err
	}
	return a.printer.PrintCount("expired", res.Expired)
}

func newSweeper(a *app) *worker.Sweeper {
	return worker.NewSweeper(a.queue, a.gate, worker.SweeperConfig{
		Interval:     a.cfg.RecoveryInterval.Std(),
		StuckTimeout: a.cfg.StuckTimeout.Std(),
		MaxAttempts:  a.cfg.MaxAttempts,
		LockPath:     a.cfg.LockPath,
	}, a.logger)
}
