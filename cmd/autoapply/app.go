package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/autoapply/internal/approval"
	"github.com/jonathan/autoapply/internal/config"
	"github.com/jonathan/autoapply/internal/db"
	"github.com/jonathan/autoapply/internal/litestore"
	"github.com/jonathan/autoapply/internal/observability"
	"github.com/jonathan/autoapply/internal/queue"
	"github.com/jonathan/autoapply/internal/runs"
	"github.com/jonathan/autoapply/internal/store"
	"github.com/jonathan/autoapply/internal/workflow"
)

// app is the set of components one command invocation works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	engine  *workflow.Engine
	queue   *queue.Queue
	gate    *approval.Gate
	runs    *runs.Orchestrator
	printer *observability.Printer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	printer, err := observability.NewPrinter(os.Stdout, outputFormat)
	if err != nil {
		return nil, err
	}

	tokens, err := config.NewTokenConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load approval token config: %w", err)
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine := workflow.NewEngine(s, workflow.WithLogger(logger))
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   s,
		engine:  engine,
		queue:   queue.New(engine, queue.WithClaimTTL(cfg.ClaimTTL.Std())),
		gate:    approval.NewGate(engine, tokens, approval.WithDefaultTTL(cfg.ApprovalTTL.Std())),
		runs:    runs.New(s, runs.WithLogger(logger)),
		printer: printer,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := litestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.StoreDriver)
	}
}

// withApp wraps a command body with component setup and teardown.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

func parseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, raw, err)
	}
	return id, nil
}

func parseUser(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("--user is required")
	}
	return parseID("user", raw)
}
