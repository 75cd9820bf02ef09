package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newEmbedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embed",
		Short: "Run one embedding backfill pass over chunks without vectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if a.Services.Backfill == nil {
				return fmt.Errorf("embedding backfill is disabled: set embed.schedule and an OpenAI key")
			}
			n, err := a.Services.Backfill.RunOnce(cmd.Context())
			fmt.Printf("embedded %d chunk(s)\n", n)
			return err
		},
	}
}
