package imports

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ImportJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	StoragePath string         `gorm:"column:storage_path;not null" json:"storage_path"`
	Stage       Stage          `gorm:"column:stage;not null;index" json:"stage"`
	StageRank   int            `gorm:"column:stage_rank;not null;default:0" json:"stage_rank"`
	Progress    int            `gorm:"column:progress;not null;default:0" json:"progress"`
	FailedStage Stage          `gorm:"column:failed_stage" json:"failed_stage,omitempty"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	Reason      string         `gorm:"column:reason" json:"reason,omitempty"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Checkpoint  datatypes.JSON `gorm:"column:checkpoint" json:"checkpoint"`
	Usage       datatypes.JSON `gorm:"column:usage" json:"usage"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (ImportJob) TableName() string { return "import_jobs" }

func (j *ImportJob) Terminal() bool { return j.Stage.Terminal() }

// Checkpoint is the resumable state carried between stages.
type Checkpoint struct {
	Format               string          `json:"format,omitempty"`
	SizeBytes            int64           `json:"size_bytes,omitempty"`
	QuickSample          []string        `json:"quick_sample,omitempty"`
	QuickSummary         bool            `json:"quick_summary,omitempty"`
	ChunksPersisted      bool            `json:"chunks_persisted,omitempty"`
	ChunkCount           int             `json:"chunk_count,omitempty"`
	ConversationCount    int             `json:"conversation_count,omitempty"`
	SkippedConversations int             `json:"skipped_conversations,omitempty"`
	SkippedNodes         int             `json:"skipped_nodes,omitempty"`
	FactBundle           datatypes.JSON  `json:"fact_bundle,omitempty"`
	Extraction           ExtractionStats `json:"extraction,omitempty"`
	DigestDone           bool            `json:"digest_done,omitempty"`
}

type ExtractionStats struct {
	Chunks    int `json:"chunks"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Facts     int `json:"facts"`
	Rounds    int `json:"rounds"`
}

// Usage is the inference spend recorded for a job.
type Usage struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
