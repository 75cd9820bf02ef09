package steps

import (
	"testing"

	"github.com/yungbote/memory-import/internal/importer/export"
)

func conv(id string, n int) *export.Conversation {
	c := &export.Conversation{ID: id}
	for i := 0; i < n; i++ {
		c.Messages = append(c.Messages, export.Message{Role: export.RoleUser, Text: "hi"})
	}
	return c
}

func TestKeepRichest(t *testing.T) {
	var kept []*export.Conversation
	for _, c := range []*export.Conversation{conv("a", 1), conv("b", 4), conv("c", 2), conv("d", 4), conv("e", 3)} {
		kept = keepRichest(kept, c, 3)
	}
	var got []string
	for _, c := range kept {
		got = append(got, c.ID)
	}
	want := []string{"b", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kept %v, want %v", got, want)
		}
	}
}

func TestRenderConversation(t *testing.T) {
	c := &export.Conversation{
		Title: " Trip ",
		Messages: []export.Message{
			{Role: export.RoleUser, Text: "where to?"},
			{Role: export.RoleAssistant, Text: "Lisbon"},
		},
	}
	want := "### Trip\nUser: where to?\n\nAssistant: Lisbon"
	if got := renderConversation(c); got != want {
		t.Fatalf("render = %q, want %q", got, want)
	}
	c.Title = ""
	if got := renderConversation(c); got != "User: where to?\n\nAssistant: Lisbon" {
		t.Fatalf("untitled render = %q", got)
	}
}
