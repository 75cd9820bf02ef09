// Package export reconstructs chronological conversations from a streamed chat export.
package export

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrNoConversations is returned by callers that consumed a whole export without a
	// single usable conversation.
	ErrNoConversations = errors.New("no conversations found in export")
	// ErrUnsupportedLayout means the top-level value is neither an array of conversations
	// nor an object holding one under "conversations".
	ErrUnsupportedLayout = errors.New("unsupported export layout")
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type rawJSON = json.RawMessage

// Message is a visible user or assistant turn with flattened text.
type Message struct {
	NodeID string
	Role   Role
	Text   string
	// CreatedAt is the effective sort time; zero when unknown.
	CreatedAt    time.Time
	HasTimestamp bool
}

type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
	// SkippedNodes counts malformed node entries dropped while reconstructing.
	SkippedNodes int
}

// LastMessageAt returns the latest message time, or the zero time.
func (c *Conversation) LastMessageAt() time.Time {
	var last time.Time
	for _, m := range c.Messages {
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	return last
}

type rawNode struct {
	ID       string      `json:"id"`
	Parent   *string     `json:"parent"`
	Children []string    `json:"children"`
	Message  *rawMessage `json:"message"`
}

type rawMessage struct {
	ID         string      `json:"id"`
	Author     *rawAuthor  `json:"author"`
	CreateTime epoch       `json:"create_time"`
	Content    rawJSON     `json:"content"`
	Metadata   rawMetadata `json:"metadata"`
}

type rawAuthor struct {
	Role string `json:"role"`
}

type rawMetadata struct {
	Hidden bool `json:"is_visually_hidden_from_conversation"`
}

// flatMessage is the pre-flattened shape: {"messages": [{"role", "content", "create_time"}]}.
type flatMessage struct {
	ID         string  `json:"id"`
	Role       string  `json:"role"`
	Content    rawJSON `json:"content"`
	CreateTime epoch   `json:"create_time"`
	Hidden     bool    `json:"hidden"`
}

// epoch accepts fractional unix seconds, numeric strings, RFC 3339 strings and null.
type epoch struct {
	sec   float64
	valid bool
}

func (e *epoch) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		*e = epoch{}
		return nil
	}
	if s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		unq = strings.TrimSpace(unq)
		if unq == "" {
			*e = epoch{}
			return nil
		}
		if f, err := strconv.ParseFloat(unq, 64); err == nil {
			*e = epoch{sec: f, valid: true}
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, unq)
		if err != nil {
			return err
		}
		*e = epoch{sec: float64(t.UnixNano()) / 1e9, valid: true}
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*e = epoch{sec: f, valid: true}
	return nil
}

func epochTime(sec float64) time.Time {
	if math.IsInf(sec, 0) || math.IsNaN(sec) || sec <= 0 {
		return time.Time{}
	}
	whole := math.Floor(sec)
	return time.Unix(int64(whole), int64((sec-whole)*1e9)).UTC()
}

func isVisibleRole(role string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleUser:
		return RoleUser, true
	case RoleAssistant:
		return RoleAssistant, true
	default:
		return "", false
	}
}
