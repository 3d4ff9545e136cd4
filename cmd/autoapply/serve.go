package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/autoapply/internal/server"
	"github.com/jonathan/autoapply/internal/worker"
)

var (
	serveAddr       string
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes the run, task and approval endpoints.
With --with-worker the worker pool and sweeper run in the same process.`,
	RunE: withApp(runServe),
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default: listen_addr from config)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "Also run the worker pool and sweeper")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, a *app, _ []string) error {
	jwtCfg, err := a.cfg.JWT()
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.ListenAddr
	}

	srv := server.New(server.Config{Addr: addr}, server.Deps{
		Engine: a.engine,
		Queue:  a.queue,
		Gate:   a.gate,
		Runs:   a.runs,
		JWT:    server.NewJWTService(jwtCfg),
		Logger: a.logger,
	})

	if !serveWithWorker {
		return srv.Start(ctx)
	}

	pool, err := newPool(a)
	if err != nil {
		return err
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gCtx) })
	g.Go(func() error { return pool.Run(gCtx) })
	g.Go(func() error {
		err := newSweeper(a).Run(gCtx)
		if errors.Is(err, worker.ErrSweeperRunning) {
			a.logger.Warn("sweeper already running on this host, skipping")
			return nil
		}
		return err
	})
	return g.Wait()
}
