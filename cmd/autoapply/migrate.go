package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/autoapply/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Apply pending PostgreSQL migrations. The SQLite store creates its schema when opened.`,
	RunE:  withApp(runMigrate),
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(ctx context.Context, a *app, _ []string) error {
	pg, ok := a.store.(*db.DB)
	if !ok {
		return a.printer.PrintMessage("sqlite schema is up to date")
	}

	applied, err := pg.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	if len(applied) == 0 {
		return a.printer.PrintMessage("no pending migrations")
	}
	return a.printer.PrintMessage("applied migrations: " + strings.Join(applied, ", "))
}
