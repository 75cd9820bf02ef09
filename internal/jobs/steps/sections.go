package steps

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"gorm.io/datatypes"

	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/importer/summary"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
)

// Sections regenerates the profile sections from the digest and the most substantive
// chunks of this import.
type Sections struct {
	Summaries  *summary.Generator
	Profiles   repos.UserProfileRepo
	Chunks     repos.ChunkRepo
	SampleSize int
}

func (s *Sections) Stage() types.Stage { return types.StageSectionRegeneration }

func (s *Sections) Run(c *runtime.Context) error {
	profile, err := s.Profiles.Get(c.DBC(), c.UserID())
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	digest := ""
	if profile != nil {
		digest = profile.MemoryDigest
	}
	n := s.SampleSize
	if n <= 0 {
		n = 8
	}
	top, err := s.Chunks.TopSample(c.DBC(), c.Job.ID, n)
	if err != nil {
		return fmt.Errorf("sample chunks: %w", err)
	}
	sample := make([]summary.Sample, 0, len(top))
	for _, ch := range top {
		sample = append(sample, summary.Sample{Title: ch.Title, Content: ch.Content})
	}

	sections, err := s.Summaries.WithClient(c.AI()).Sections(c.Ctx, digest, sample)
	c.RecordUsage()
	if err != nil {
		return err
	}
	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(sections)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	if err := s.Profiles.SetSections(c.DBC(), c.UserID(), datatypes.JSON(raw)); err != nil {
		return fmt.Errorf("save sections: %w", err)
	}
	return nil
}
