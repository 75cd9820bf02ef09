package db

import (
	"gorm.io/gorm"

	"github.com/yungbote/memory-import/internal/domain/imports"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&imports.ImportJob{},
		&imports.ConversationChunk{},
		&imports.UserProfile{},
	)
}
