package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/workflow"
)

var (
	tasksState     string
	tasksLimit     int
	tasksOffset    int
	tasksFrom      string
	tasksErrorCode string
	tasksErrorMsg  string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and move tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List a run's tasks in queue order",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		runID, err := parseID("run", args[0])
		if err != nil {
			return err
		}
		var state model.State
		if tasksState != "" {
			if state, err = model.ParseState(tasksState); err != nil {
				return err
			}
		}
		tasks, err := a.runs.Tasks(ctx, runID, state, tasksLimit, tasksOffset)
		if err != nil {
			return err
		}
		return a.printer.PrintTasks(tasks)
	}),
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		taskID, err := parseID("task", args[0])
		if err != nil {
			return err
		}
		task, err := a.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &model.NotFoundError{Kind: "task", ID: taskID.String()}
		}
		return a.printer.PrintTasks([]model.Task{*task})
	}),
}

var tasksTransitionCmd = &cobra.Command{
	Use:   "transition <task-id> <state>",
	Short: "Move a task to a new state",
	Long:  `Move a task along an allowed edge. --from guards against concurrent changes; without it the current state is used.`,
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		taskID, err := parseID("task", args[0])
		if err != nil {
			return err
		}
		to, err := model.ParseState(args[1])
		if err != nil {
			return err
		}
		from := model.AnyState
		if tasksFrom != "" {
			if from, err = model.ParseState(tasksFrom); err != nil {
				return err
			}
		}
		task, err := a.engine.Transition(ctx, taskID, from, to, workflow.Metadata{
			ErrorCode:    tasksErrorCode,
			ErrorMessage: tasksErrorMsg,
			Reason:       "cli",
		})
		if err != nil {
			return err
		}
		return a.printer.PrintTasks([]model.Task{*task})
	}),
}

var tasksResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Requeue a task blocked on the user or on authentication",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		taskID, err := parseID("task", args[0])
		if err != nil {
			return err
		}
		task, err := a.queue.Resume(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to resume task: %w", err)
		}
		return a.printer.PrintTasks([]model.Task{*task})
	}),
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksState, "state", "", "Filter by state")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 100, "Maximum number of tasks")
	tasksListCmd.Flags().IntVar(&tasksOffset, "offset", 0, "Number of tasks to skip")
	tasksTransitionCmd.Flags().StringVar(&tasksFrom, "from", "", "Expected current state")
	tasksTransitionCmd.Flags().StringVar(&tasksErrorCode, "error-code", "", "Error code to record")
	tasksTransitionCmd.Flags().StringVar(&tasksErrorMsg, "error-message", "", "Error message to record")

	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksTransitionCmd, tasksResumeCmd)
	rootCmd.AddCommand(tasksCmd)
}
