package chunker

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/memory-import/internal/importer/export"
	"github.com/yungbote/memory-import/internal/platform/tokenizer"
)

var words = tokenizer.Words{}

// message builds a message whose rendered form is exactly n word tokens.
func message(role export.Role, n int, at time.Time, tag string) export.Message {
	body := make([]string, n-1)
	for i := range body {
		body[i] = fmt.Sprintf("%s%d", tag, i)
	}
	return export.Message{Role: role, Text: strings.Join(body, " "), CreatedAt: at, HasTimestamp: true}
}

func conversation(sizes []int) *export.Conversation {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	conv := &export.Conversation{ID: "c"}
	for i, n := range sizes {
		role := export.RoleUser
		if i%2 == 1 {
			role = export.RoleAssistant
		}
		conv.Messages = append(conv.Messages, message(role, n, base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("m%d_", i)))
	}
	return conv
}

func totalTokens(conv *export.Conversation) int {
	total := 0
	for _, m := range conv.Messages {
		total += words.Count(Render(m))
	}
	return total
}

func TestFiveThousandTokensMakeThreeChunks(t *testing.T) {
	sizes := make([]int, 50)
	for i := range sizes {
		sizes[i] = 100
	}
	conv := conversation(sizes)
	if got := totalTokens(conv); got != 5000 {
		t.Fatalf("fixture has %d tokens", got)
	}
	c := New(words, Config{MaxTokens: 2000, OverlapTokens: 200})
	pieces := c.Split(conv)
	if len(pieces) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(pieces))
	}
	for i, p := range pieces {
		if p.TokenCount > 2000 {
			t.Fatalf("chunk %d over budget: %d", i, p.TokenCount)
		}
		if p.Seq != i {
			t.Fatalf("chunk %d has seq %d", i, p.Seq)
		}
		if words.Count(p.Text) != p.TokenCount {
			t.Fatalf("chunk %d token count %d does not match text %d", i, p.TokenCount, words.Count(p.Text))
		}
		if i == 0 {
			if p.OverlapTokens != 0 {
				t.Fatalf("first chunk has overlap %d", p.OverlapTokens)
			}
			continue
		}
		if p.OverlapTokens != 200 {
			t.Fatalf("chunk %d overlap = %d", i, p.OverlapTokens)
		}
		if !strings.HasPrefix(p.Text, words.Tail(pieces[i-1].Text, 200)) {
			t.Fatalf("chunk %d does not start with the previous tail", i)
		}
	}
	assertConserved(t, conv, pieces)
}

func TestShortConversationIsOneChunk(t *testing.T) {
	conv := conversation([]int{10, 20, 30})
	pieces := New(words, Config{MaxTokens: 2000, OverlapTokens: 200}).Split(conv)
	if len(pieces) != 1 {
		t.Fatalf("expected one chunk, got %d", len(pieces))
	}
	if pieces[0].MessageCount != 3 || pieces[0].TokenCount != 60 {
		t.Fatalf("unexpected chunk %+v", pieces[0])
	}
	if !strings.HasPrefix(pieces[0].Text, "User: ") || !strings.Contains(pieces[0].Text, "\n\nAssistant: ") {
		t.Fatalf("unexpected rendering %q", pieces[0].Text[:40])
	}
}

func TestOversizedMessageStandsAlone(t *testing.T) {
	conv := conversation([]int{100, 2500, 100})
	pieces := New(words, Config{MaxTokens: 2000, OverlapTokens: 200}).Split(conv)
	if len(pieces) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(pieces))
	}
	big := pieces[1]
	if !big.Oversized || big.MessageCount != 1 || big.TokenCount != 2500 || big.OverlapTokens != 0 {
		t.Fatalf("oversized chunk = %+v", big)
	}
	assertConserved(t, conv, pieces)
}

func TestSeedShrinksToFit(t *testing.T) {
	conv := conversation([]int{1500, 1900})
	pieces := New(words, Config{MaxTokens: 2000, OverlapTokens: 200}).Split(conv)
	if len(pieces) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(pieces))
	}
	if pieces[1].OverlapTokens != 100 || pieces[1].TokenCount != 2000 {
		t.Fatalf("second chunk = overlap %d tokens %d", pieces[1].OverlapTokens, pieces[1].TokenCount)
	}
	assertConserved(t, conv, pieces)
}

func TestRecency(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := New(words, Config{MaxTokens: 2000, OverlapTokens: 200, RecentWindow: 180 * 24 * time.Hour}).
		WithClock(func() time.Time { return now })

	recent := &export.Conversation{Messages: []export.Message{message(export.RoleUser, 5, now.AddDate(0, -1, 0), "r")}}
	old := &export.Conversation{Messages: []export.Message{message(export.RoleUser, 5, now.AddDate(-1, 0, 0), "o")}}
	undated := &export.Conversation{Messages: []export.Message{message(export.RoleUser, 5, time.Time{}, "u")}}

	if !c.Split(recent)[0].IsRecent {
		t.Fatalf("recent chunk not marked recent")
	}
	if c.Split(old)[0].IsRecent {
		t.Fatalf("old chunk marked recent")
	}
	if c.Split(undated)[0].IsRecent {
		t.Fatalf("undated chunk marked recent")
	}
}

func TestRandomConversationsConserveContent(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	c := New(words, Config{MaxTokens: 300, OverlapTokens: 40})
	for iter := 0; iter < 200; iter++ {
		sizes := make([]int, 1+rng.Intn(25))
		for i := range sizes {
			sizes[i] = 2 + rng.Intn(400)
		}
		conv := conversation(sizes)
		pieces := c.Split(conv)
		for _, p := range pieces {
			if p.TokenCount > 300 && !p.Oversized {
				t.Fatalf("iteration %d: chunk over budget without being oversized: %+v", iter, p.TokenCount)
			}
			if p.OverlapTokens > 40 {
				t.Fatalf("iteration %d: overlap %d above configured", iter, p.OverlapTokens)
			}
		}
		assertConserved(t, conv, pieces)
	}
}

func assertConserved(t *testing.T, conv *export.Conversation, pieces []Piece) {
	t.Helper()
	sum, overlap, msgs := 0, 0, 0
	for _, p := range pieces {
		sum += p.TokenCount
		overlap += p.OverlapTokens
		msgs += p.MessageCount
	}
	if sum-overlap != totalTokens(conv) {
		t.Fatalf("tokens minus overlap = %d, want %d", sum-overlap, totalTokens(conv))
	}
	if msgs != len(conv.Messages) {
		t.Fatalf("messages = %d, want %d", msgs, len(conv.Messages))
	}
}

func TestCharacterTokenizerStaysWithinBudget(t *testing.T) {
	heur := tokenizer.Heuristic{}
	conv := &export.Conversation{ID: "h"}
	body := strings.Repeat("x", 74)
	for i := 0; i < 300; i++ {
		conv.Messages = append(conv.Messages, export.Message{Role: export.RoleUser, Text: body})
	}
	if n := heur.Count(Render(conv.Messages[0])); n != 20 {
		t.Fatalf("fixture message has %d tokens", n)
	}
	pieces := New(heur, Config{MaxTokens: 2000, OverlapTokens: 200}).Split(conv)
	if len(pieces) < 3 {
		t.Fatalf("expected several chunks, got %d", len(pieces))
	}
	msgs := 0
	for i, p := range pieces {
		if p.Oversized {
			t.Fatalf("chunk %d marked oversized", i)
		}
		if actual := heur.Count(p.Text); actual != p.TokenCount {
			t.Fatalf("chunk %d: recorded %d tokens, text has %d", i, p.TokenCount, actual)
		}
		if p.TokenCount > 2000 {
			t.Fatalf("chunk %d over budget: %d", i, p.TokenCount)
		}
		if p.OverlapTokens > 200 {
			t.Fatalf("chunk %d overlap %d", i, p.OverlapTokens)
		}
		msgs += p.MessageCount
	}
	if msgs != len(conv.Messages) {
		t.Fatalf("messages = %d, want %d", msgs, len(conv.Messages))
	}
}

func TestCharacterTokenizerShrinksSeed(t *testing.T) {
	heur := tokenizer.Heuristic{}
	conv := &export.Conversation{Messages: []export.Message{
		{Role: export.RoleUser, Text: strings.Repeat("a", 1200)},
		{Role: export.RoleAssistant, Text: strings.Repeat("b", 1160)},
	}}
	pieces := New(heur, Config{MaxTokens: 300, OverlapTokens: 50}).Split(conv)
	if len(pieces) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(pieces))
	}
	second := pieces[1]
	if second.TokenCount > 300 || second.TokenCount != heur.Count(second.Text) {
		t.Fatalf("second chunk: recorded %d, text %d", second.TokenCount, heur.Count(second.Text))
	}
	if second.OverlapTokens <= 0 || second.OverlapTokens >= 50 {
		t.Fatalf("seed not shrunk: overlap %d", second.OverlapTokens)
	}
}
