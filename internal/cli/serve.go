package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deepresearch/internal/app"
	"deepresearch/internal/config"
)

// shutdownGrace bounds draining on SIGINT/SIGTERM: first the HTTP listener,
// then running research sessions.
const shutdownGrace = 10 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the research API server",
		Long: `Serve the REST and websocket API until interrupted. SIGINT or SIGTERM
stops accepting requests, releases streaming connections and cancels running
research sessions, each of which persists a terminal state before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			container, err := app.Build(cfg, app.Options{})
			if err != nil {
				return err
			}
			srv, err := container.Server()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			container.Logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				container.Logger.Warn("http shutdown: %v", err)
			}
			if err := container.Shutdown(shutdownCtx); err != nil {
				container.Logger.Warn("engine shutdown: %v", err)
			}
			return <-errCh
		},
	}
}
