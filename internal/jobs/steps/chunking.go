package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/memory-import/internal/data/db"
	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/importer/chunker"
	"github.com/yungbote/memory-import/internal/importer/export"
	"github.com/yungbote/memory-import/internal/importer/fetch"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
	"github.com/yungbote/memory-import/internal/pkg/retry"
)

type ChunkingConfig struct {
	BatchSize  int
	WriteRetry retry.Policy
}

func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		BatchSize:  200,
		WriteRetry: retry.Policy{MaxRetries: 4, Initial: 200 * time.Millisecond, Max: 5 * time.Second},
	}
}

/*
Chunking makes the one full pass over the export: conversations are reconstructed one at a
time, split, and written in batches with an upsert keyed by (user, conversation, seq). A
rerun after a crash rewrites the same keys, so nothing is duplicated; once the checkpoint
says the chunks are persisted the pass is not repeated at all. Rows past a conversation's
new last seq, left by an earlier import, are pruned once its pieces are written.
*/
type Chunking struct {
	Fetcher *fetch.Fetcher
	Reader  export.Options
	Chunker *chunker.Chunker
	Chunks  repos.ChunkRepo
	Cfg     ChunkingConfig
}

func (s *Chunking) Stage() types.Stage { return types.StageChunking }

func (s *Chunking) Run(c *runtime.Context) error {
	cp := c.Checkpoint()
	if cp.ChunksPersisted {
		c.Log.Info("Chunks already persisted, skipping pass", "chunks", cp.ChunkCount)
		return nil
	}
	cfg := s.Cfg
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultChunkingConfig().BatchSize
	}

	stream, err := s.Fetcher.Open(c.Ctx, c.Job.StoragePath)
	if err != nil {
		return err
	}
	defer stream.Close()

	start := c.CurrentProgress()
	end := types.StageChunking.Milestone(cp.QuickSummary)
	batch := make([]*types.ConversationChunk, 0, cfg.BatchSize)
	var tails []repos.ConversationTail
	written := 0

	rd := export.NewReader(stream, s.Reader, c.Log)
	for rd.Next() {
		conv := rd.Conversation()
		pieces := s.Chunker.Split(conv)
		for _, p := range pieces {
			batch = append(batch, toChunk(c, conv.ID, conv.Title, p))
			if len(batch) >= cfg.BatchSize {
				if err := s.write(c, cfg, batch, tails); err != nil {
					return err
				}
				written += len(batch)
				batch, tails = batch[:0], tails[:0]
				c.Progress(interpolate(start, end, stream.BytesRead(), stream.Size()))
			}
		}
		if len(pieces) > 0 {
			tails = append(tails, repos.ConversationTail{ConversationID: conv.ID, Chunks: len(pieces)})
		}
	}
	if err := rd.Err(); err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	if err := s.write(c, cfg, batch, tails); err != nil {
		return err
	}
	written += len(batch)

	stats := rd.Stats()
	if stats.Conversations == 0 {
		return export.ErrNoConversations
	}
	cp.ChunksPersisted = true
	cp.ChunkCount = written
	cp.ConversationCount = stats.Conversations
	cp.SkippedConversations = stats.SkippedConversations
	cp.SkippedNodes = stats.SkippedNodes
	c.Metrics.AddFetchedBytes(string(stream.Format()), stream.BytesRead())
	c.Log.Info("Chunks persisted",
		"chunks", written,
		"conversations", stats.Conversations,
		"messages", stats.Messages,
		"skipped_conversations", stats.SkippedConversations,
		"skipped_nodes", stats.SkippedNodes,
	)
	return c.SaveCheckpoint()
}

// write upserts batch, then prunes tails: conversations whose pieces have all been written.
func (s *Chunking) write(c *runtime.Context, cfg ChunkingConfig, batch []*types.ConversationChunk, tails []repos.ConversationTail) error {
	if len(batch) == 0 && len(tails) == 0 {
		return nil
	}
	pruned, err := retry.Do(c.Ctx, cfg.WriteRetry, db.IsTransient, func(context.Context) (int64, error) {
		if err := s.Chunks.UpsertBatch(c.DBC(), batch); err != nil {
			return 0, err
		}
		return s.Chunks.PruneTails(c.DBC(), c.UserID(), tails)
	}, func(err error, wait time.Duration) {
		c.Log.Warn("Retrying chunk batch", "size", len(batch), "wait", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	if pruned > 0 {
		c.Log.Info("Pruned stale chunks", "count", pruned)
	}
	c.Metrics.AddChunksWritten(len(batch))
	return nil
}

func toChunk(c *runtime.Context, convID, title string, p chunker.Piece) *types.ConversationChunk {
	return &types.ConversationChunk{
		ID:             types.ChunkID(c.UserID(), convID, p.Seq),
		UserID:         c.UserID(),
		ImportJobID:    c.Job.ID,
		ConversationID: convID,
		Seq:            p.Seq,
		Title:          title,
		Content:        p.Text,
		MessageCount:   p.MessageCount,
		TokenCount:     p.TokenCount,
		OverlapTokens:  p.OverlapTokens,
		Oversized:      p.Oversized,
		Tier:           p.Tier,
		IsRecent:       p.IsRecent,
		FirstMessageAt: p.FirstMessageAt.UTC(),
		LastMessageAt:  p.LastMessageAt.UTC(),
	}
}

// interpolate maps done/total onto [from, to), never reaching to: the stage milestone is
// only written once the stage has finished.
func interpolate(from, to int, done, total int64) int {
	if to-from <= 1 || total <= 0 || done <= 0 {
		return from
	}
	frac := float64(done) / float64(total)
	if frac > 1 {
		frac = 1
	}
	p := from + int(frac*float64(to-from-1))
	if p >= to {
		p = to - 1
	}
	return p
}
