package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/runs"
)

var (
	runsUser        string
	runsStatus      string
	runsDescription string
	runsNoAutoStart bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage application runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, oldest first",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		userID := uuid.Nil
		if runsUser != "" {
			id, err := parseUser(runsUser)
			if err != nil {
				return err
			}
			userID = id
		}
		runs, err := a.store.ListRuns(ctx, userID, runsStatus)
		if err != nil {
			return err
		}
		return a.printer.PrintRuns(runs)
	}),
}

var runsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a queued run",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		userID, err := parseUser(runsUser)
		if err != nil {
			return err
		}
		var desc *string
		if runsDescription != "" {
			desc = &runsDescription
		}
		run, err := a.runs.Create(ctx, userID, args[0], desc)
		if err != nil {
			return err
		}
		return a.printer.PrintRuns([]model.Run{*run})
	}),
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its task counts",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		runID, err := parseID("run", args[0])
		if err != nil {
			return err
		}
		summary, err := a.runs.Summary(ctx, runID)
		if err != nil {
			return err
		}
		return a.printer.PrintRunSummary(summary)
	}),
}

var runsAddJobsCmd = &cobra.Command{
	Use:   "add-jobs <run-id> <job-id>...",
	Short: "Queue job postings in a run",
	Args:  cobra.MinimumNArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		runID, err := parseID("run", args[0])
		if err != nil {
			return err
		}
		jobIDs := make([]int64, 0, len(args)-1)
		for _, raw := range args[1:] {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid job id %q", raw)
			}
			jobIDs = append(jobIDs, id)
		}
		tasks, err := a.runs.AddJobs(ctx, runID, jobIDs)
		if err != nil {
			return err
		}
		return a.printer.PrintTasks(tasks)
	}),
}

var runsStartNextCmd = &cobra.Command{
	Use:   "start-next",
	Short: "Start the user's oldest queued run",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		userID, err := parseUser(runsUser)
		if err != nil {
			return err
		}
		run, err := a.runs.StartNext(ctx, userID)
		if err != nil {
			return err
		}
		if run == nil {
			return a.printer.PrintMessage("no queued runs")
		}
		return a.printer.PrintRuns([]model.Run{*run})
	}),
}

var runsCompleteCmd = &cobra.Command{
	Use:   "complete <run-id>",
	Short: "Complete a run and start the next queued one",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		runID, err := parseID("run", args[0])
		if err != nil {
			return err
		}
		next, err := a.runs.Complete(ctx, runID, !runsNoAutoStart)
		var startErr *runs.StartNextError
		if errors.As(err, &startErr) {
			if perr := a.printer.PrintMessage("run " + runID.String() + " completed"); perr != nil {
				return perr
			}
			return fmt.Errorf("next run not started: %w", startErr.Err)
		}
		if err != nil {
			return err
		}
		if next == nil {
			return a.printer.PrintMessage("run " + runID.String() + " completed")
		}
		return a.printer.PrintRuns([]model.Run{*next})
	}),
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		runID, err := parseID("run", args[0])
		if err != nil {
			return err
		}
		if err := a.runs.Delete(ctx, runID); err != nil {
			return err
		}
		return a.printer.PrintMessage("run " + runID.String() + " deleted")
	}),
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runsUser, "user", "", "User id the run belongs to")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status: queued, running or completed")
	runsCreateCmd.Flags().StringVar(&runsDescription, "description", "", "Run description")
	runsCompleteCmd.Flags().BoolVar(&runsNoAutoStart, "no-auto-start", false, "Do not start the next queued run")

	runsCmd.AddCommand(runsListCmd, runsCreateCmd, runsShowCmd, runsAddJobsCmd,
		runsStartNextCmd, runsCompleteCmd, runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}
