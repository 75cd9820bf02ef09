package app

import (
	"gorm.io/gorm"

	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

type Repos struct {
	Jobs     repos.ImportJobRepo
	Chunks   repos.ChunkRepo
	Profiles repos.UserProfileRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Jobs:     repos.NewImportJobRepo(db, log),
		Chunks:   repos.NewChunkRepo(db, log),
		Profiles: repos.NewUserProfileRepo(db, log),
	}
}
