package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/yungbote/memory-import/internal/app"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
)

func newRunCmd() *cobra.Command {
	var (
		userFlag string
		path     string
		poll     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Import one export in the foreground and wait for it to finish",
		Example: `  importer run --user 3f0c... --path gs://exports/alice/export.zip
  importer run --user 3f0c... --path ./conversations.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(userFlag)
			if err != nil {
				return fmt.Errorf("--user must be a uuid: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.Close(closeCtx)
			}()

			job, err := a.Services.Orchestrator.Submit(ctx, userID, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "job %s started\n", job.ID)
			final, err := waitForJob(ctx, a, job.ID, poll)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					fmt.Fprintf(os.Stderr, "\ninterrupted; job %s will resume on the next sweep\n", job.ID)
				}
				return err
			}
			return report(final)
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id (uuid)")
	cmd.Flags().StringVar(&path, "path", "", "export location: gs://bucket/key, a bare key, or a local file")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "progress polling interval")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

// waitForJob polls the job row and mirrors its progress on a bar until it is terminal.
func waitForJob(ctx context.Context, a *app.App, jobID uuid.UUID, poll time.Duration) (*types.ImportJob, error) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("  pending"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)
	defer func() { _ = bar.Finish() }()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		job, err := a.Repos.Jobs.GetByID(dbctx.From(ctx), jobID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			bar.Describe("  " + string(job.Stage))
			_ = bar.Set(job.Progress)
			if job.Terminal() {
				return job, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func report(job *types.ImportJob) error {
	fmt.Fprintln(os.Stderr)
	if job.Stage == types.StageComplete {
		fmt.Printf("import %s complete\n", job.ID)
		return nil
	}
	reason := job.Reason
	if reason == "" {
		reason = "import failed"
	}
	return fmt.Errorf("import %s failed at %s: %s", job.ID, job.FailedStage, reason)
}
