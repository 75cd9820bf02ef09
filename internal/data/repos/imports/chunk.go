package imports

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

// ChunkCursor is a keyset position in (conversation_id, seq) order.
type ChunkCursor struct {
	ConversationID string
	Seq            int
}

// ConversationTail names how many chunks a conversation produced in the latest pass.
type ConversationTail struct {
	ConversationID string
	Chunks         int
}

type ChunkRepo interface {
	// UpsertBatch writes chunks keyed by (user, conversation, seq) and binds them to the
	// writing job. Retried batches never duplicate; a vector survives unless the content
	// under it changed.
	UpsertBatch(dbc dbctx.Context, chunks []*types.ConversationChunk) error
	// PruneTails drops chunks left over from an earlier, longer split of a conversation.
	PruneTails(dbc dbctx.Context, userID uuid.UUID, tails []ConversationTail) (int64, error)
	CountByUser(dbc dbctx.Context, userID uuid.UUID) (int64, error)
	CountByJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error)
	PageByJob(dbc dbctx.Context, jobID uuid.UUID, after *ChunkCursor, limit int) ([]*types.ConversationChunk, error)
	// TopSample favours chunks with many messages, then the most recent.
	TopSample(dbc dbctx.Context, jobID uuid.UUID, n int) ([]*types.ConversationChunk, error)
	ListMissingEmbedding(dbc dbctx.Context, limit int) ([]*types.ConversationChunk, error)
	AttachEmbedding(dbc dbctx.Context, id uuid.UUID, embedding datatypes.JSON) error
}

type chunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChunkRepo(db *gorm.DB, baseLog *logger.Logger) ChunkRepo {
	return &chunkRepo{
		db:  db,
		log: baseLog.With("repo", "ChunkRepo"),
	}
}

// resetIfChanged keeps col unless the incoming content differs from the stored one.
func resetIfChanged(col string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: col},
		Value:  gorm.Expr("CASE WHEN conversation_chunks.content <> excluded.content THEN NULL ELSE conversation_chunks." + col + " END"),
	}
}

func (r *chunkRepo) UpsertBatch(dbc dbctx.Context, chunks []*types.ConversationChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = types.ChunkID(c.UserID, c.ConversationID, c.Seq)
		}
	}
	set := clause.AssignmentColumns([]string{
		"import_job_id", "title", "content", "message_count", "token_count", "overlap_tokens",
		"oversized", "tier", "is_recent", "first_message_at", "last_message_at", "updated_at",
	})
	set = append(set, resetIfChanged("embedding"), resetIfChanged("embedded_at"))
	return dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}, {Name: "seq"}},
			DoUpdates: set,
		}).
		Create(&chunks).Error
}

func (r *chunkRepo) PruneTails(dbc dbctx.Context, userID uuid.UUID, tails []ConversationTail) (int64, error) {
	var removed int64
	for _, t := range tails {
		res := dbc.DB(r.db).
			Where("user_id = ? AND conversation_id = ? AND seq >= ?", userID, t.ConversationID, t.Chunks).
			Delete(&types.ConversationChunk{})
		if res.Error != nil {
			return removed, res.Error
		}
		removed += res.RowsAffected
	}
	return removed, nil
}

func (r *chunkRepo) CountByUser(dbc dbctx.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := dbc.DB(r.db).Model(&types.ConversationChunk{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *chunkRepo) CountByJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	err := dbc.DB(r.db).Model(&types.ConversationChunk{}).Where("import_job_id = ?", jobID).Count(&n).Error
	return n, err
}

func (r *chunkRepo) PageByJob(dbc dbctx.Context, jobID uuid.UUID, after *ChunkCursor, limit int) ([]*types.ConversationChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	q := dbc.DB(r.db).Where("import_job_id = ?", jobID)
	if after != nil {
		q = q.Where("(conversation_id > ? OR (conversation_id = ? AND seq > ?))", after.ConversationID, after.ConversationID, after.Seq)
	}
	var out []*types.ConversationChunk
	err := q.Order("conversation_id ASC").Order("seq ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (r *chunkRepo) TopSample(dbc dbctx.Context, jobID uuid.UUID, n int) ([]*types.ConversationChunk, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []*types.ConversationChunk
	err := dbc.DB(r.db).
		Where("import_job_id = ?", jobID).
		Order("message_count DESC").
		Order("last_message_at DESC").
		Order("id ASC").
		Limit(n).
		Find(&out).Error
	return out, err
}

func (r *chunkRepo) ListMissingEmbedding(dbc dbctx.Context, limit int) ([]*types.ConversationChunk, error) {
	if limit <= 0 {
		limit = 64
	}
	var out []*types.ConversationChunk
	err := dbc.DB(r.db).
		Where("embedded_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *chunkRepo) AttachEmbedding(dbc dbctx.Context, id uuid.UUID, embedding datatypes.JSON) error {
	now := time.Now().UTC()
	return dbc.DB(r.db).Model(&types.ConversationChunk{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"embedding":   embedding,
			"embedded_at": now,
		}).Error
}
