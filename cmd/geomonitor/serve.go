package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"geomonitor/internal/app"
)

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring proxy",
		Long: `Starts the monitoring proxy in front of UPSTREAM_URL. Runs until it
receives SIGINT or SIGTERM, then drains pending records within
MONITOR_SHUTDOWN_TIMEOUT.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	application, err := app.New(ctx, c.cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- application.Start(":" + c.cfg.Server.Port)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case runErr = <-serverErr:
		if runErr != nil {
			slog.Error("server failed", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Monitor.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("application shutdown error", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	return runErr
}
