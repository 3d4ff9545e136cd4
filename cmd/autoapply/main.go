// Package main provides the autoapply command line: the HTTP API server, the
// worker pool, the background sweeper and operator commands over the store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:           "autoapply",
	Short:         "Job application engine",
	Long:          "autoapply queues job applications per run, drives them through the task state machine and gates submissions on human approval.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or TOML config file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format: table or json (default: table on a terminal)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
