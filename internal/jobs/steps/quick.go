package steps

import (
	"fmt"

	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/importer/summary"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
)

// QuickSummary writes the first-impression summary from the download sample and makes the
// profile usable before the full pass.
type QuickSummary struct {
	Summaries *summary.Generator
	Profiles  repos.UserProfileRepo
}

func (s *QuickSummary) Stage() types.Stage { return types.StageQuickSummary }

func (s *QuickSummary) Run(c *runtime.Context) error {
	cp := c.Checkpoint()
	if cp.QuickSummary {
		return nil
	}
	if len(cp.QuickSample) == 0 {
		return fmt.Errorf("quick summary: no sample in checkpoint")
	}
	sample := make([]summary.Sample, 0, len(cp.QuickSample))
	for _, text := range cp.QuickSample {
		sample = append(sample, summary.Sample{Content: text})
	}
	text, err := s.Summaries.WithClient(c.AI()).Quick(c.Ctx, sample)
	if err != nil {
		return err
	}
	if err := s.Profiles.SetQuickSummary(c.DBC(), c.UserID(), text); err != nil {
		return fmt.Errorf("save quick summary: %w", err)
	}
	cp.QuickSummary = true
	return c.SaveCheckpoint()
}
