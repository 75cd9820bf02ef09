package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Claim stale imports and run them from their last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			n, err := a.Services.Orchestrator.ResumeStale(ctx)
			if err != nil {
				a.Close(context.Background())
				return err
			}
			fmt.Printf("resumed %d job(s)\n", n)

			if wait && n > 0 {
				done := make(chan struct{})
				go func() {
					a.Services.Orchestrator.Wait()
					close(done)
				}()
				select {
				case <-done:
				case <-ctx.Done():
				}
			}
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.Close(closeCtx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for resumed jobs to finish")
	return cmd
}
