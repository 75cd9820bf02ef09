// Package cli defines the Cobra command tree for the importer binary.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yungbote/memory-import/internal/app"
	"github.com/yungbote/memory-import/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "importer",
	Short: "Import chat-history exports into user memory profiles",
	Long: `importer turns a chat-history export into a memory profile: a quick first
impression within seconds, then chunked conversations, extracted facts, a memory
digest and regenerated profile sections.

Run 'importer serve' for the HTTP API or 'importer run' for a one-off import.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute(version string) {
	app.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("IMPORT_CONFIG"), "YAML config file (env overrides still apply)")
	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newEmbedCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("importer %s\n", app.Version)
		},
	}
}
