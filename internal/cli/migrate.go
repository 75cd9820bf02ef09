package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/memory-import/internal/data/db"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the import tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogMode)
			if err != nil {
				return err
			}
			defer log.Sync()

			svc, err := db.Open(db.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}, log)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := db.AutoMigrateAll(svc.DB()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
