package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/addrsync/internal/db"
	"github.com/addrsync/internal/web"
	"github.com/addrsync/internal/web/handlers"
)

// createServeCmd creates the command running the HTTP API
func createServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			if err := db.Migrate(a.conn.DB, a.log); err != nil {
				return err
			}

			cfg := web.ConfigFrom(a.cfg)
			if addr != "" {
				cfg.Addr = addr
			}
			api := &handlers.APIHandler{Service: a.svc, DB: a.conn, Log: a.log}
			server := web.NewServer(cfg, api, a.log)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Run(ctx)
			})
			g.Go(func() error {
				<-ctx.Done()
				a.log.Info("waiting for running jobs to stop")
				a.runner.Shutdown()
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDRSYNC_HTTP_ADDR)")
	return cmd
}

// createMigrateCmd creates the command applying schema migrations
func createMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			return db.Migrate(a.conn.DB, a.log)
		},
	}
}

// createPingCmd creates a command to test database connectivity
func createPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test database connectivity and show dataset counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			if err := a.conn.Ping(ctx); err != nil {
				return err
			}
			view, err := a.svc.DatasetState(ctx)
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}
}

// waitFor blocks until background jobs finish. Cancelling ctx stops them.
func waitFor(ctx context.Context) {
	stop := context.AfterFunc(ctx, a.runner.Shutdown)
	a.runner.Wait()
	stop()
}
