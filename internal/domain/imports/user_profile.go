package imports

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type UserProfile struct {
	UserID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"user_id"`
	ImportStatus   ProfileStatus  `gorm:"column:import_status;not null;default:'none'" json:"import_status"`
	ImportStage    Stage          `gorm:"column:import_stage" json:"import_stage,omitempty"`
	ImportProgress int            `gorm:"column:import_progress;not null;default:0" json:"import_progress"`
	ImportError    string         `gorm:"column:import_error" json:"import_error,omitempty"`
	ImportJobID    *uuid.UUID     `gorm:"type:uuid;column:import_job_id" json:"import_job_id,omitempty"`
	QuickSummary   string         `gorm:"column:quick_summary;type:text" json:"quick_summary,omitempty"`
	MemoryDigest   string         `gorm:"column:memory_digest;type:text" json:"memory_digest,omitempty"`
	Sections       datatypes.JSON `gorm:"column:sections" json:"sections,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (UserProfile) TableName() string { return "user_profiles" }
