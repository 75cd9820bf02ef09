// Package chunker splits reconstructed conversations into token-bounded, overlapping pieces.
package chunker

import (
	"time"

	"github.com/yungbote/memory-import/internal/importer/export"
	"github.com/yungbote/memory-import/internal/platform/tokenizer"
)

const TierMedium = "medium"

const separator = "\n\n"

type Config struct {
	MaxTokens     int
	OverlapTokens int
	// RecentWindow marks a piece recent when its last message falls inside it.
	RecentWindow time.Duration
	Tier         string
}

func DefaultConfig() Config {
	return Config{MaxTokens: 2000, OverlapTokens: 200, RecentWindow: 183 * 24 * time.Hour, Tier: TierMedium}
}

// Piece is one chunk of a conversation before it is bound to a user and persisted.
type Piece struct {
	Seq          int
	Text         string
	MessageCount int
	// TokenCount includes OverlapTokens carried over from the previous piece.
	TokenCount    int
	OverlapTokens int
	// Oversized is set for a single message larger than the budget.
	Oversized      bool
	Tier           string
	FirstMessageAt time.Time
	LastMessageAt  time.Time
	IsRecent       bool
}

type Chunker struct {
	tok tokenizer.Tokenizer
	cfg Config
	now func() time.Time
}

func New(tok tokenizer.Tokenizer, cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.MaxTokens {
		cfg.OverlapTokens = 0
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.Tier == "" {
		cfg.Tier = def.Tier
	}
	return &Chunker{tok: tok, cfg: cfg, now: time.Now}
}

// WithClock replaces the clock used for recency.
func (c *Chunker) WithClock(now func() time.Time) *Chunker {
	c.now = now
	return c
}

func (c *Chunker) Config() Config { return c.cfg }

// Render formats one message the way it appears inside a chunk.
func Render(m export.Message) string {
	switch m.Role {
	case export.RoleAssistant:
		return "Assistant: " + m.Text
	default:
		return "User: " + m.Text
	}
}

type buffer struct {
	text       string
	seedTokens int
	msgs       int
	first      time.Time
	last       time.Time
}

// with returns the buffer text as it would read with next appended.
func (b *buffer) with(next string) string {
	if b.text == "" {
		return next
	}
	return b.text + separator + next
}

func (b *buffer) seed(text string, tokens int) {
	b.text, b.seedTokens = "", 0
	if text == "" || tokens <= 0 {
		return
	}
	b.text, b.seedTokens = text, tokens
}

func (b *buffer) add(text string, at time.Time) {
	b.text = b.with(text)
	b.msgs++
	if !at.IsZero() {
		if b.first.IsZero() || at.Before(b.first) {
			b.first = at
		}
		if at.After(b.last) {
			b.last = at
		}
	}
}

/*
Split returns the pieces of conv in order. Messages are never truncated or dropped.

Fit is always measured on the joined text, separators included, because real tokenizers
do not count additively across a join. A piece therefore never exceeds MaxTokens unless it
is a single oversized message.
*/
func (c *Chunker) Split(conv *export.Conversation) []Piece {
	if conv == nil || len(conv.Messages) == 0 {
		return nil
	}
	maxTok, overlap := c.cfg.MaxTokens, c.cfg.OverlapTokens
	cutoff := c.now().Add(-c.cfg.RecentWindow)

	var pieces []Piece
	buf := &buffer{}
	closeBuf := func() Piece {
		p := Piece{
			Seq:            len(pieces),
			Text:           buf.text,
			MessageCount:   buf.msgs,
			TokenCount:     c.tok.Count(buf.text),
			OverlapTokens:  buf.seedTokens,
			Tier:           c.cfg.Tier,
			FirstMessageAt: buf.first,
			LastMessageAt:  buf.last,
		}
		p.Oversized = p.MessageCount == 1 && p.TokenCount > maxTok
		p.IsRecent = !p.LastMessageAt.IsZero() && p.LastMessageAt.After(cutoff)
		pieces = append(pieces, p)
		*buf = buffer{}
		return p
	}

	for _, m := range conv.Messages {
		text := Render(m)
		if c.tok.Count(text) == 0 {
			continue
		}
		if buf.msgs > 0 && c.tok.Count(buf.with(text)) > maxTok {
			closed := closeBuf()
			if overlap > 0 {
				seed := c.tok.Tail(closed.Text, overlap)
				buf.seed(seed, c.tok.Count(seed))
			}
		}
		if buf.msgs == 0 && buf.seedTokens > 0 {
			c.fitSeed(buf, text, maxTok)
		}
		buf.add(text, m.CreatedAt)
	}
	if buf.msgs > 0 {
		closeBuf()
	}
	return pieces
}

// fitSeed shrinks the overlap seed until it and next fit the budget together, and drops it
// when no room is left. room strictly decreases, so the loop ends.
func (c *Chunker) fitSeed(buf *buffer, next string, maxTok int) {
	full, room := buf.text, buf.seedTokens
	for excess := c.tok.Count(buf.with(next)) - maxTok; excess > 0; excess = c.tok.Count(buf.with(next)) - maxTok {
		room -= excess
		if room <= 0 {
			buf.seed("", 0)
			return
		}
		seed := c.tok.Tail(full, room)
		buf.seed(seed, c.tok.Count(seed))
	}
}
