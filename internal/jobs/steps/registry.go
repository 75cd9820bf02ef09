package steps

import (
	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	"github.com/yungbote/memory-import/internal/importer/chunker"
	"github.com/yungbote/memory-import/internal/importer/export"
	"github.com/yungbote/memory-import/internal/importer/facts"
	"github.com/yungbote/memory-import/internal/importer/fetch"
	"github.com/yungbote/memory-import/internal/importer/summary"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
	"github.com/yungbote/memory-import/internal/platform/tokenizer"
)

// Deps is everything the pipeline steps share.
type Deps struct {
	Fetcher   *fetch.Fetcher
	Reader    export.Options
	Tok       tokenizer.Tokenizer
	Chunker   *chunker.Chunker
	Extractor *facts.Extractor
	Reducer   *facts.Reducer
	Summaries *summary.Generator
	Chunks    repos.ChunkRepo
	Profiles  repos.UserProfileRepo

	Download      DownloadConfig
	Chunking      ChunkingConfig
	FactPageSize  int
	SectionSample int
}

// Registry registers one step per pipeline stage.
func Registry(d Deps) (*runtime.Registry, error) {
	reg := runtime.NewRegistry()
	for _, s := range []runtime.Step{
		&Download{Fetcher: d.Fetcher, Reader: d.Reader, Tok: d.Tok, Cfg: d.Download},
		&QuickSummary{Summaries: d.Summaries, Profiles: d.Profiles},
		&Chunking{Fetcher: d.Fetcher, Reader: d.Reader, Chunker: d.Chunker, Chunks: d.Chunks, Cfg: d.Chunking},
		&FactExtraction{Extractor: d.Extractor, Reducer: d.Reducer, Chunks: d.Chunks, PageSize: d.FactPageSize},
		&Memory{Summaries: d.Summaries, Profiles: d.Profiles},
		&Sections{Summaries: d.Summaries, Profiles: d.Profiles, Chunks: d.Chunks, SampleSize: d.SectionSample},
	} {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
