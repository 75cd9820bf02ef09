package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var userFlag string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a user's import status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(userFlag)
			if err != nil {
				return fmt.Errorf("--user must be a uuid: %w", err)
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			st, err := a.Services.Orchestrator.Status(cmd.Context(), userID)
			if err != nil {
				return err
			}
			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id (uuid)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
