package export

import (
	"bytes"
	"fmt"
	"strings"
)

// Part is one element of a message's content. The set of implementations is closed:
// TextPart, MediaPart and ToolPart.
type Part interface {
	isPart()
}

type TextPart struct {
	Text string
}

// MediaPart references an uploaded image, audio clip or file. It carries no text.
type MediaPart struct {
	ContentType string
	Pointer     string
}

// ToolPart is tool output or any structured payload without readable text.
type ToolPart struct {
	ContentType string
}

func (TextPart) isPart()  {}
func (MediaPart) isPart() {}
func (ToolPart) isPart()  {}

// content types whose "text" field is tool traffic rather than conversation prose
var toolContentTypes = map[string]bool{
	"code":                     true,
	"execution_output":         true,
	"tether_browsing_display":  true,
	"tether_quote":             true,
	"system_error":             true,
	"computer_output":          true,
	"sonic_webpage":            true,
	"app_pairing_content":      true,
	"super_widget":             true,
	"thoughts":                 true,
	"reasoning_recap":          true,
	"model_editable_context":   true,
	"user_editable_context":    true,
	"multimodal_text_metadata": true,
}

type rawContent struct {
	ContentType string    `json:"content_type"`
	Parts       []rawJSON `json:"parts"`
	Text        *string   `json:"text"`
}

type rawPart struct {
	ContentType  string  `json:"content_type"`
	Text         *string `json:"text"`
	AssetPointer string  `json:"asset_pointer"`
}

// decodeContent maps a message content value to parts. A nil or null value yields no parts.
func decodeContent(raw rawJSON) ([]Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := jsonAPI.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("content string: %w", err)
		}
		return []Part{TextPart{Text: s}}, nil
	case '{':
		var c rawContent
		if err := jsonAPI.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("content object: %w", err)
		}
		if c.Parts != nil {
			parts := make([]Part, 0, len(c.Parts))
			for i, p := range c.Parts {
				part, err := decodePart(p)
				if err != nil {
					return nil, fmt.Errorf("content part %d: %w", i, err)
				}
				if part != nil {
					parts = append(parts, part)
				}
			}
			return parts, nil
		}
		if c.Text != nil {
			if toolContentTypes[c.ContentType] {
				return []Part{ToolPart{ContentType: c.ContentType}}, nil
			}
			return []Part{TextPart{Text: *c.Text}}, nil
		}
		return []Part{ToolPart{ContentType: c.ContentType}}, nil
	default:
		return nil, fmt.Errorf("content has unexpected shape %q", truncate(raw, 16))
	}
}

func decodePart(raw rawJSON) (Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := jsonAPI.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return TextPart{Text: s}, nil
	case '{':
		var p rawPart
		if err := jsonAPI.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		switch {
		case p.AssetPointer != "" || strings.HasSuffix(p.ContentType, "asset_pointer"):
			return MediaPart{ContentType: p.ContentType, Pointer: p.AssetPointer}, nil
		case p.Text != nil && !toolContentTypes[p.ContentType]:
			return TextPart{Text: *p.Text}, nil
		default:
			return ToolPart{ContentType: p.ContentType}, nil
		}
	default:
		return ToolPart{ContentType: "unknown"}, nil
	}
}

// flatten joins the trimmed text-bearing parts in order, one per line.
func flatten(parts []Part) (string, error) {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case TextPart:
			if t := strings.TrimSpace(v.Text); t != "" {
				texts = append(texts, t)
			}
		case MediaPart, ToolPart:
		default:
			return "", fmt.Errorf("unhandled content part %T", p)
		}
	}
	return strings.Join(texts, "\n"), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
