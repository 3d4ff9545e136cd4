package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/autoapply/internal/approval"
	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/schemas"
)

var (
	approvalFormFile   string
	approvalPreviewURL string
	approvalChannel    string
	approvalTTL        time.Duration
	approvalNotes      string
	approvalToken      string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Manage approval requests",
}

var approvalsCreateCmd = &cobra.Command{
	Use:   "create <task-id>",
	Short: "Open an approval request for a PENDING_APPROVAL task",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		taskID, err := parseID("task", args[0])
		if err != nil {
			return err
		}
		req := approval.CreateRequest{
			TaskID:  taskID,
			Channel: approvalChannel,
			TTL:     approvalTTL,
		}
		if approvalPreviewURL != "" {
			req.PreviewURL = &approvalPreviewURL
		}
		if approvalFormFile != "" {
			data, err := schemas.ReadFile(schemas.FormData, approvalFormFile)
			if err != nil {
				return fmt.Errorf("invalid form data: %w", err)
			}
			req.FormData = json.RawMessage(data)
		}
		created, err := a.gate.Create(ctx, req)
		if err != nil {
			return err
		}
		return a.printer.PrintApproval(created)
	}),
}

var approvalsShowCmd = &cobra.Command{
	Use:   "show <approval-id>",
	Short: "Show an approval request",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		id, err := parseID("approval", args[0])
		if err != nil {
			return err
		}
		req, err := a.gate.Get(ctx, id)
		if err != nil {
			return err
		}
		return a.printer.PrintApproval(req)
	}),
}

func resolveCommand(use, short string, approved bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseID("approval", args[0])
			if err != nil {
				return err
			}
			var notes *string
			if approvalNotes != "" {
				notes = &approvalNotes
			}
			var resolved *model.ApprovalRequest
			if approvalToken != "" {
				resolved, err = a.gate.ResolveWithToken(ctx, id, approvalToken, approved, notes)
			} else {
				resolved, err = a.gate.Resolve(ctx, id, approved, notes)
			}
			if err != nil {
				return err
			}
			return a.printer.PrintApproval(resolved)
		}),
	}
	cmd.Flags().StringVar(&approvalNotes, "notes", "", "Notes recorded with the decision")
	cmd.Flags().StringVar(&approvalToken, "token", "", "One-time approval token from the approval link")
	return cmd
}

var approvalsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire pending requests past their TTL",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		n, err := a.gate.ExpireOverdue(ctx)
		if err != nil {
			return err
		}
		return a.printer.PrintCount("expired", n)
	}),
}

func init() {
	approvalsCreateCmd.Flags().StringVar(&approvalFormFile, "form", "", "JSON file with the filled form fields")
	approvalsCreateCmd.Flags().StringVar(&approvalPreviewURL, "preview-url", "", "Screenshot or preview URL")
	approvalsCreateCmd.Flags().StringVar(&approvalChannel, "channel", approval.DefaultChannel, "Notification channel")
	approvalsCreateCmd.Flags().DurationVar(&approvalTTL, "ttl", 0, "Time to live (default: approval_ttl from config)")

	approvalsCmd.AddCommand(
		approvalsCreateCmd,
		approvalsShowCmd,
		resolveCommand("approve", "Approve a pending request", true),
		resolveCommand("reject", "Reject a pending request", false),
		approvalsExpireCmd,
	)
	rootCmd.AddCommand(approvalsCmd)
}
