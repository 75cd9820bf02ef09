package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-import/internal/data/db"
	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/importer/facts"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
	"github.com/yungbote/memory-import/internal/pkg/retry"
)

// FactExtraction runs the extractor over the chunks this job wrote, reduces the bundle
// under the ceiling and parks it in the checkpoint for the memory stage.
type FactExtraction struct {
	Extractor *facts.Extractor
	Reducer   *facts.Reducer
	Chunks    repos.ChunkRepo
	PageSize  int
}

func (s *FactExtraction) Stage() types.Stage { return types.StageFactExtraction }

func (s *FactExtraction) Run(c *runtime.Context) error {
	cp := c.Checkpoint()
	if len(cp.FactBundle) > 0 {
		c.Log.Info("Fact bundle already in checkpoint, skipping extraction", "facts", cp.Extraction.Facts)
		return nil
	}

	start := c.CurrentProgress()
	end := types.StageFactExtraction.Milestone(cp.QuickSummary)
	src := &chunkSource{chunks: s.Chunks, jobID: c.Job.ID, pageSize: s.PageSize}

	res, err := s.Extractor.WithClient(c.AI()).Extract(c.Ctx, src, func(done, total int) {
		c.Progress(interpolate(start, end, int64(done), int64(total)))
	})
	c.RecordUsage()
	if res != nil {
		c.Metrics.AddFactChunksSkipped(res.Skipped)
	}
	if err != nil {
		return err
	}

	bundle, rounds, err := s.Reducer.WithClient(c.AI()).ReduceRounds(c.Ctx, res.Bundle)
	c.RecordUsage()
	if err != nil {
		return err
	}
	raw, err := bundle.Marshal()
	if err != nil {
		return fmt.Errorf("encode fact bundle: %w", err)
	}
	cp.FactBundle = raw
	cp.Extraction = types.ExtractionStats{
		Chunks:    res.Total,
		Succeeded: res.Succeeded,
		Skipped:   res.Skipped,
		Facts:     bundle.Len(),
		Rounds:    rounds,
	}
	return c.SaveCheckpoint()
}

// chunkSource pages one job's chunks in (conversation, seq) keyset order.
type chunkSource struct {
	chunks   repos.ChunkRepo
	jobID    uuid.UUID
	pageSize int
}

var readRetry = retry.Policy{MaxRetries: 3, Initial: 200 * time.Millisecond, Max: 3 * time.Second}

func (s *chunkSource) Count(ctx context.Context) (int, error) {
	n, err := retry.Do(ctx, readRetry, db.IsTransient, func(ctx context.Context) (int64, error) {
		return s.chunks.CountByJob(dbctx.From(ctx), s.jobID)
	}, nil)
	return int(n), err
}

func (s *chunkSource) Pages(ctx context.Context, fn func([]facts.ChunkText) error) error {
	size := s.pageSize
	if size <= 0 {
		size = 200
	}
	var after *repos.ChunkCursor
	for {
		page, err := retry.Do(ctx, readRetry, db.IsTransient, func(ctx context.Context) ([]*types.ConversationChunk, error) {
			return s.chunks.PageByJob(dbctx.From(ctx), s.jobID, after, size)
		}, nil)
		if err != nil {
			return fmt.Errorf("page chunks: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		texts := make([]facts.ChunkText, 0, len(page))
		for _, ch := range page {
			texts = append(texts, facts.ChunkText{ID: ch.ID.String(), Text: ch.Content})
		}
		if err := fn(texts); err != nil {
			return err
		}
		last := page[len(page)-1]
		after = &repos.ChunkCursor{ConversationID: last.ConversationID, Seq: last.Seq}
		if len(page) < size {
			return nil
		}
	}
}
