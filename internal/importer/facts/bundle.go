// Package facts extracts structured facts from conversation chunks and keeps the merged
// bundle under a token ceiling.
package facts

import (
	"strings"
	"unicode"

	jsoniter "github.com/json-iterator/go"

	"github.com/yungbote/memory-import/internal/platform/inference"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type Category string

const (
	Preferences Category = "preferences"
	Projects    Category = "projects"
	Dates       Category = "dates"
	Beliefs     Category = "beliefs"
	Decisions   Category = "decisions"
)

// Categories is the fixed render order.
var Categories = []Category{Preferences, Projects, Dates, Beliefs, Decisions}

func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

type Fact struct {
	Category      Category `json:"category"`
	Statement     string   `json:"statement"`
	SourceChunkID string   `json:"source_chunk_id,omitempty"`
}

// Bundle holds facts per category, deduplicated on a normalized statement key. The first
// occurrence of a statement wins.
type Bundle struct {
	Facts map[Category][]Fact `json:"facts"`
	seen  map[string]struct{}
}

func NewBundle() *Bundle {
	return &Bundle{Facts: map[Category][]Fact{}, seen: map[string]struct{}{}}
}

func dedupeKey(c Category, statement string) string {
	return string(c) + "|" + NormalizeKey(statement)
}

// NormalizeKey case-folds, drops punctuation and symbols, and collapses whitespace.
func NormalizeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Add reports whether f was new.
func (b *Bundle) Add(f Fact) bool {
	f.Statement = strings.TrimSpace(f.Statement)
	if f.Statement == "" {
		return false
	}
	if b.seen == nil {
		b.rebuildSeen()
	}
	key := dedupeKey(f.Category, f.Statement)
	if NormalizeKey(f.Statement) == "" {
		return false
	}
	if _, dup := b.seen[key]; dup {
		return false
	}
	b.seen[key] = struct{}{}
	b.Facts[f.Category] = append(b.Facts[f.Category], f)
	return true
}

func (b *Bundle) rebuildSeen() {
	b.seen = map[string]struct{}{}
	if b.Facts == nil {
		b.Facts = map[Category][]Fact{}
	}
	for c, list := range b.Facts {
		for _, f := range list {
			b.seen[dedupeKey(c, f.Statement)] = struct{}{}
		}
	}
}

func (b *Bundle) Len() int {
	n := 0
	for _, list := range b.Facts {
		n += len(list)
	}
	return n
}

func renderCategory(c Category, list []Fact) string {
	var sb strings.Builder
	sb.WriteString("## ")
	sb.WriteString(string(c))
	sb.WriteByte('\n')
	for _, f := range list {
		sb.WriteString("- ")
		sb.WriteString(f.Statement)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Render is the prompt form of the bundle; the token ceiling is measured on it.
func (b *Bundle) Render() string {
	var parts []string
	for _, c := range Categories {
		if list := b.Facts[c]; len(list) > 0 {
			parts = append(parts, renderCategory(c, list))
		}
	}
	return strings.Join(parts, "\n")
}

func (b *Bundle) Marshal() ([]byte, error) {
	return jsonAPI.Marshal(b)
}

func UnmarshalBundle(raw []byte) (*Bundle, error) {
	b := NewBundle()
	if len(raw) == 0 {
		return b, nil
	}
	if err := jsonAPI.Unmarshal(raw, b); err != nil {
		return nil, err
	}
	b.rebuildSeen()
	return b, nil
}

// ParseFacts reads a model reply in either {"<category>": ["..."]} or
// {"facts": [{"category": "...", "statement": "..."}]} form. Unknown categories are
// dropped. A reply with no JSON object is ErrMalformedResponse.
func ParseFacts(reply, chunkID string) ([]Fact, error) {
	raw, err := inference.ExtractJSON(reply)
	if err != nil {
		return nil, err
	}
	var obj map[string]jsoniter.RawMessage
	if err := jsonAPI.UnmarshalFromString(raw, &obj); err != nil {
		return nil, inference.ErrMalformedResponse
	}
	var out []Fact
	if listRaw, ok := obj["facts"]; ok {
		var list []struct {
			Category  string `json:"category"`
			Statement string `json:"statement"`
			Fact      string `json:"fact"`
		}
		if err := jsonAPI.Unmarshal(listRaw, &list); err != nil {
			return nil, inference.ErrMalformedResponse
		}
		for _, item := range list {
			c, ok := ParseCategory(item.Category)
			stmt := item.Statement
			if stmt == "" {
				stmt = item.Fact
			}
			if !ok || strings.TrimSpace(stmt) == "" {
				continue
			}
			out = append(out, Fact{Category: c, Statement: strings.TrimSpace(stmt), SourceChunkID: chunkID})
		}
		return out, nil
	}
	for _, c := range Categories {
		listRaw, ok := obj[string(c)]
		if !ok {
			continue
		}
		var list []string
		if err := jsonAPI.Unmarshal(listRaw, &list); err != nil {
			return nil, inference.ErrMalformedResponse
		}
		for _, s := range list {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, Fact{Category: c, Statement: s, SourceChunkID: chunkID})
			}
		}
	}
	return out, nil
}
