package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/autoapply/internal/worker"
)

var (
	workerConcurrency int
	workerApplierCmd  string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool",
	Long: `Dequeue tasks from every running run and hand them to the applier.
Without --applier-cmd (or APPLIER_COMMAND) tasks are parked in NEEDS_USER
for manual submission.`,
	RunE: withApp(runWorker),
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Number of worker goroutines (default: worker_concurrency from config)")
	workerCmd.Flags().StringVar(&workerApplierCmd, "applier-cmd", "", "Command that applies to one task (task JSON on stdin, outcome JSON on stdout)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(ctx context.Context, a *app, _ []string) error {
	pool, err := newPool(a)
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}

func newPool(a *app) (*worker.Pool, error) {
	applier := worker.ManualApplier()
	command := workerApplierCmd
	if command == "" {
		command = os.Getenv("APPLIER_COMMAND")
	}
	if command != "" {
		cmdApplier, err := worker.NewCommandApplier(command)
		if err != nil {
			return nil, err
		}
		applier = cmdApplier
	}

	concurrency := workerConcurrency
	if concurrency <= 0 {
		concurrency = a.cfg.WorkerConcurrency
	}
	return worker.NewPool(a.engine, a.queue, applier,
		worker.WithConcurrency(concurrency),
		worker.WithPollInterval(a.cfg.PollInterval.Std()),
		worker.WithPoolLogger(a.logger),
	), nil
}
