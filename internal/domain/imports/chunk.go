package imports

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ConversationChunk struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_chunk_user_conv_seq,priority:1" json:"user_id"`
	ConversationID string         `gorm:"column:conversation_id;not null;uniqueIndex:idx_chunk_user_conv_seq,priority:2" json:"conversation_id"`
	Seq            int            `gorm:"column:seq;not null;uniqueIndex:idx_chunk_user_conv_seq,priority:3" json:"seq"`
	ImportJobID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"import_job_id"`
	Title          string         `gorm:"column:title" json:"title,omitempty"`
	Content        string         `gorm:"column:content;type:text;not null" json:"content"`
	MessageCount   int            `gorm:"column:message_count;not null" json:"message_count"`
	TokenCount     int            `gorm:"column:token_count;not null" json:"token_count"`
	OverlapTokens  int            `gorm:"column:overlap_tokens;not null;default:0" json:"overlap_tokens"`
	Oversized      bool           `gorm:"column:oversized;not null;default:false" json:"oversized"`
	Tier           string         `gorm:"column:tier;not null" json:"tier"`
	IsRecent       bool           `gorm:"column:is_recent;not null;default:false;index" json:"is_recent"`
	FirstMessageAt time.Time      `gorm:"column:first_message_at" json:"first_message_at"`
	LastMessageAt  time.Time      `gorm:"column:last_message_at;index" json:"last_message_at"`
	Embedding      datatypes.JSON `gorm:"column:embedding" json:"embedding,omitempty"`
	EmbeddedAt     *time.Time     `gorm:"column:embedded_at;index" json:"embedded_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (ConversationChunk) TableName() string { return "conversation_chunks" }

var chunkNamespace = uuid.MustParse("6f1f5e2c-0d5b-4f0e-9a57-3c1f4c9f2b7e")

// ChunkID is stable across retries so a re-run of chunking overwrites rather than duplicates.
func ChunkID(userID uuid.UUID, conversationID string, seq int) uuid.UUID {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%s/%d", userID, conversationID, seq)))
}
