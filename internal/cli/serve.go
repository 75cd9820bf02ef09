package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the import API, the stale-job sweep and the embedding backfill",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			if err := a.Start(); err != nil {
				a.Close(context.Background())
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- a.Serve() }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				a.Log.Info("Shutting down", "grace", grace)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			a.Close(shutdownCtx)
			return err
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 30*time.Second, "how long to wait for requests and imports on shutdown")
	return cmd
}
