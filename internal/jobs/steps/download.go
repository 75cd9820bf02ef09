// Package steps holds the work of each import stage.
package steps

import (
	"fmt"
	"sort"
	"strings"

	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/importer/chunker"
	"github.com/yungbote/memory-import/internal/importer/export"
	"github.com/yungbote/memory-import/internal/importer/fetch"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
	"github.com/yungbote/memory-import/internal/platform/tokenizer"
)

type DownloadConfig struct {
	// ScanConversations bounds how much of the export is read to pick the quick sample.
	ScanConversations int
	SampleSize        int
	SampleTokens      int
}

func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{ScanConversations: 300, SampleSize: 6, SampleTokens: 12000}
}

/*
Download opens the export, proves it is readable and holds at least one conversation, and
keeps a small sample of the richest conversations from the head of the stream for the quick
summary. It never reads further than ScanConversations, so the full pass happens once, in
chunking.
*/
type Download struct {
	Fetcher *fetch.Fetcher
	Reader  export.Options
	Tok     tokenizer.Tokenizer
	Cfg     DownloadConfig
}

func (s *Download) Stage() types.Stage { return types.StageDownloading }

func (s *Download) Run(c *runtime.Context) error {
	cfg := s.Cfg
	def := DefaultDownloadConfig()
	if cfg.ScanConversations <= 0 {
		cfg.ScanConversations = def.ScanConversations
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.SampleTokens <= 0 {
		cfg.SampleTokens = def.SampleTokens
	}

	stream, err := s.Fetcher.Open(c.Ctx, c.Job.StoragePath)
	if err != nil {
		return err
	}
	defer stream.Close()

	rd := export.NewReader(stream, s.Reader, c.Log)
	var picked []*export.Conversation
	scanned := 0
	for scanned < cfg.ScanConversations && rd.Next() {
		scanned++
		picked = keepRichest(picked, rd.Conversation(), cfg.SampleSize)
	}
	if err := rd.Err(); err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	if scanned == 0 {
		return export.ErrNoConversations
	}

	per := cfg.SampleTokens / len(picked)
	sample := make([]string, 0, len(picked))
	for _, conv := range picked {
		text := renderConversation(conv)
		if s.Tok != nil && s.Tok.Count(text) > per {
			text = s.Tok.Truncate(text, per)
		}
		sample = append(sample, text)
	}

	cp := c.Checkpoint()
	cp.Format = string(stream.Format())
	cp.SizeBytes = stream.Size()
	cp.QuickSample = sample
	c.Metrics.AddFetchedBytes(string(stream.Format()), stream.BytesRead())
	c.Log.Info("Export opened",
		"format", stream.Format(),
		"size_bytes", stream.Size(),
		"scanned_conversations", scanned,
		"sample", len(sample),
	)
	return c.SaveCheckpoint()
}

// keepRichest keeps the n conversations with the most messages, ties going to the one
// seen first.
func keepRichest(kept []*export.Conversation, conv *export.Conversation, n int) []*export.Conversation {
	kept = append(kept, conv)
	sort.SliceStable(kept, func(i, j int) bool { return len(kept[i].Messages) > len(kept[j].Messages) })
	if len(kept) > n {
		kept = kept[:n]
	}
	return kept
}

func renderConversation(conv *export.Conversation) string {
	var sb strings.Builder
	if t := strings.TrimSpace(conv.Title); t != "" {
		sb.WriteString("### ")
		sb.WriteString(t)
		sb.WriteString("\n")
	}
	for i, m := range conv.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(chunker.Render(m))
	}
	return sb.String()
}
