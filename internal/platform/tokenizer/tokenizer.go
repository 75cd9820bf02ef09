// Package tokenizer counts and slices text in model tokens.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/yungbote/memory-import/internal/pkg/logger"
)

type Tokenizer interface {
	// Count returns the number of tokens in s.
	Count(s string) int
	// Tail returns the last n tokens of s.
	Tail(s string, n int) string
	// Truncate returns the first n tokens of s.
	Truncate(s string, n int) string
}

// New returns the tokenizer for kind ("tiktoken" or "words"). A tiktoken encoding that
// cannot be loaded degrades to the character heuristic.
func New(kind string, log *logger.Logger) Tokenizer {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "words":
		return Words{}
	default:
		tk, err := NewTiktoken()
		if err != nil {
			if log != nil {
				log.Warn("tiktoken unavailable, using heuristic token counts", "error", err)
			}
			return Heuristic{}
		}
		return tk
	}
}

// Tiktoken uses the cl100k_base encoding, a close approximation for both providers.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func NewTiktoken() (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("tokenizer: get encoding: %w", err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(s string) int {
	if s == "" {
		return 0
	}
	return len(t.enc.Encode(s, nil, nil))
}

func (t *Tiktoken) Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	tokens := t.enc.Encode(s, nil, nil)
	if len(tokens) <= n {
		return s
	}
	return t.enc.Decode(tokens[len(tokens)-n:])
}

func (t *Tiktoken) Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	tokens := t.enc.Encode(s, nil, nil)
	if len(tokens) <= n {
		return s
	}
	return t.enc.Decode(tokens[:n])
}

// Words treats every whitespace-separated field as one token. Sliced output is
// re-joined with single spaces.
type Words struct{}

func (Words) Count(s string) int { return len(strings.Fields(s)) }

func (Words) Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	f := strings.Fields(s)
	if len(f) <= n {
		return strings.Join(f, " ")
	}
	return strings.Join(f[len(f)-n:], " ")
}

func (Words) Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	f := strings.Fields(s)
	if len(f) <= n {
		return strings.Join(f, " ")
	}
	return strings.Join(f[:n], " ")
}

const charsPerToken = 4

// Heuristic approximates one token per four characters.
type Heuristic struct{}

func (Heuristic) Count(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

func (Heuristic) Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	keep := n * charsPerToken
	if len(r) <= keep {
		return s
	}
	return string(r[len(r)-keep:])
}

func (Heuristic) Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	keep := n * charsPerToken
	if len(r) <= keep {
		return s
	}
	return string(r[:keep])
}
