package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/outreach/internal/api"
	"github.com/rendis/outreach/internal/scheduler"
	mcpserver "github.com/rendis/outreach/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and drive runs in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			sweeper, err := scheduler.NewSweeper(a.machine, a.pool, a.cfg.SweepSchedule, a.logger)
			if err != nil {
				return err
			}
			if err := sweeper.Start(ctx); err != nil {
				return err
			}
			defer sweeper.Stop()

			srv := api.New(api.Deps{Service: a.machine, Hub: a.hub, Pool: a.pool, Logger: a.logger})
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()
			a.logger.Info("outreach listening", slog.String("addr", addr), slog.String("db", a.cfg.DBPath))

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sweeper, err := scheduler.NewSweeper(a.machine, a.pool, a.cfg.SweepSchedule, a.logger)
			if err != nil {
				return err
			}
			if err := sweeper.Start(ctx); err != nil {
				return err
			}
			defer sweeper.Stop()

			srv := mcpserver.NewOutreachServer(mcpserver.OutreachServerDeps{Engine: a.machine, Logger: a.logger})
			notifier := mcpserver.NewMCPNotifier(srv.MCPServer(), srv.Sessions())
			go func() {
				if err := mcpserver.Forward(ctx, a.hub, notifier, a.logger); err != nil {
					a.logger.Warn("notification forwarding stopped", slog.String("error", err.Error()))
				}
			}()

			a.logger.Info("outreach MCP server ready on stdio")
			if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
