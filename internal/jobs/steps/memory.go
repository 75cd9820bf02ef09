package steps

import (
	"fmt"

	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/importer/facts"
	"github.com/yungbote/memory-import/internal/importer/summary"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
)

// Memory turns the checkpointed fact bundle into the profile's memory digest.
type Memory struct {
	Summaries *summary.Generator
	Profiles  repos.UserProfileRepo
}

func (s *Memory) Stage() types.Stage { return types.StageMemoryGeneration }

func (s *Memory) Run(c *runtime.Context) error {
	cp := c.Checkpoint()
	if cp.DigestDone {
		return nil
	}
	bundle, err := facts.UnmarshalBundle(cp.FactBundle)
	if err != nil {
		return fmt.Errorf("decode fact bundle: %w", err)
	}
	digest, err := s.Summaries.WithClient(c.AI()).Digest(c.Ctx, bundle)
	c.RecordUsage()
	if err != nil {
		return err
	}
	if err := s.Profiles.SetMemoryDigest(c.DBC(), c.UserID(), digest); err != nil {
		return fmt.Errorf("save memory digest: %w", err)
	}
	cp.DigestDone = true
	return c.SaveCheckpoint()
}
