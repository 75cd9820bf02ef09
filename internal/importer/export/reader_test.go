package export

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"
)

func readAll(t *testing.T, src string, opts Options) ([]*Conversation, *Reader) {
	t.Helper()
	r := NewReader(strings.NewReader(src), opts, nil)
	var out []*Conversation
	for r.Next() {
		out = append(out, r.Conversation())
	}
	if err := r.Err(); err != nil {
		t.Fatalf("reader error: %v", err)
	}
	return out, r
}

func TestHiddenSystemMessageIsDropped(t *testing.T) {
	src := `[{
	  "id": "c1", "title": "Greeting", "create_time": 1700000000,
	  "mapping": {
	    "root": {"id": "root", "parent": null, "children": ["u1"], "message": null},
	    "u1": {"id": "u1", "parent": "root", "children": ["s1"], "message": {
	      "author": {"role": "user"}, "create_time": 1700000001,
	      "content": {"content_type": "text", "parts": ["hello"]}}},
	    "s1": {"id": "s1", "parent": "u1", "children": ["a1"], "message": {
	      "author": {"role": "system"}, "create_time": 1700000002,
	      "content": {"content_type": "text", "parts": ["you are helpful"]},
	      "metadata": {"is_visually_hidden_from_conversation": true}}},
	    "a1": {"id": "a1", "parent": "s1", "children": [], "message": {
	      "author": {"role": "assistant"}, "create_time": 1700000003,
	      "content": {"content_type": "text", "parts": ["hi there"]}}}
	  }
	}]`
	convs, _ := readAll(t, src, Options{})
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	msgs := convs[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Text != "hello" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Text != "hi there" {
		t.Fatalf("second message = %+v", msgs[1])
	}
	if convs[0].Title != "Greeting" || convs[0].ID != "c1" {
		t.Fatalf("conversation header = %q %q", convs[0].ID, convs[0].Title)
	}
}

func TestForkedBranchesAreBothKept(t *testing.T) {
	src := `[{
	  "conversation_id": "fork",
	  "mapping": {
	    "p": {"id": "p", "children": ["b1", "b2"], "message": {
	      "author": {"role": "user"}, "create_time": 100, "content": "question"}},
	    "b1": {"id": "b1", "parent": "p", "message": {
	      "author": {"role": "assistant"}, "create_time": 300, "content": "second answer"}},
	    "b2": {"id": "b2", "parent": "p", "message": {
	      "author": {"role": "assistant"}, "create_time": 200, "content": "first answer"}}
	  }
	}]`
	convs, _ := readAll(t, src, Options{})
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	got := texts(convs[0].Messages)
	want := []string{"question", "first answer", "second answer"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestPolymorphicContent(t *testing.T) {
	src := `[{
	  "id": "poly",
	  "mapping": {
	    "a": {"id": "a", "message": {"author": {"role": "user"}, "create_time": 1,
	      "content": {"content_type": "multimodal_text", "parts": [
	        {"content_type": "image_asset_pointer", "asset_pointer": "file-service://abc"},
	        "  look at this  ",
	        {"content_type": "audio_transcription", "text": "spoken words"},
	        null
	      ]}}},
	    "b": {"id": "b", "message": {"author": {"role": "assistant"}, "create_time": 2,
	      "content": {"content_type": "text", "parts": [{"text": "typed part"}, "plain part"]}}},
	    "c": {"id": "c", "message": {"author": {"role": "assistant"}, "create_time": 3,
	      "content": {"content_type": "code", "text": "print(1)"}}},
	    "d": {"id": "d", "message": {"author": {"role": "tool"}, "create_time": 4,
	      "content": {"content_type": "execution_output", "text": "1"}}},
	    "e": {"id": "e", "message": {"author": {"role": "user"}, "create_time": 5,
	      "content": {"content_type": "text", "text": "direct text"}}},
	    "f": {"id": "f", "message": {"author": {"role": "user"}, "create_time": 6,
	      "content": {"content_type": "image_only", "parts": [{"asset_pointer": "file-service://xyz"}]}}}
	  }
	}]`
	convs, _ := readAll(t, src, Options{})
	got := texts(convs[0].Messages)
	want := []string{"look at this\nspoken words", "typed part\nplain part", "direct text"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("texts = %q, want %q", got, want)
	}
}

func TestFlattenIsExhaustive(t *testing.T) {
	type bogus struct{ Part }
	if _, err := flatten([]Part{TextPart{Text: "x"}, bogus{}}); err == nil {
		t.Fatalf("expected error for unknown part type")
	}
}

func TestMalformedNodeIsSkipped(t *testing.T) {
	src := `[{
	  "id": "m",
	  "mapping": {
	    "ok1": {"id": "ok1", "message": {"author": {"role": "user"}, "create_time": 1, "content": "one"}},
	    "bad": {"id": "bad", "message": {"author": "user", "create_time": 2, "content": "broken"}},
	    "bad2": {"id": "bad2", "message": {"author": {"role": "user"}, "create_time": {"x": 1}, "content": "broken"}},
	    "ok2": {"id": "ok2", "message": {"author": {"role": "assistant"}, "create_time": 3, "content": "two"}}
	  }
	}]`
	convs, r := readAll(t, src, Options{})
	if len(convs) != 1 || len(convs[0].Messages) != 2 {
		t.Fatalf("expected the two valid messages to survive")
	}
	if convs[0].SkippedNodes != 2 || r.Stats().SkippedNodes != 2 {
		t.Fatalf("skipped nodes = %d / %d", convs[0].SkippedNodes, r.Stats().SkippedNodes)
	}
}

func TestMalformedConversationIsSkipped(t *testing.T) {
	src := `[
	  42,
	  {"id": "bad-mapping", "mapping": ["not", "an", "object"]},
	  null,
	  {"id": "good", "mapping": {"n": {"id": "n", "message": {"author": {"role": "user"}, "create_time": 1, "content": "kept"}}}}
	]`
	convs, r := readAll(t, src, Options{})
	if len(convs) != 1 || convs[0].ID != "good" {
		t.Fatalf("expected only the good conversation, got %d", len(convs))
	}
	if r.Stats().SkippedConversations != 3 {
		t.Fatalf("skipped conversations = %d", r.Stats().SkippedConversations)
	}
}

func TestEmptyConversationsAreDropped(t *testing.T) {
	src := `{"conversations": [
	  {"id": "empty", "mapping": {"r": {"id": "r", "message": null}}},
	  {"id": "sys", "mapping": {"s": {"id": "s", "message": {"author": {"role": "system"}, "content": "x"}}}},
	  {"id": "real", "mapping": {"u": {"id": "u", "message": {"author": {"role": "user"}, "create_time": 1, "content": "hi"}}}}
	], "user": {"id": "ignored"}}`
	convs, r := readAll(t, src, Options{})
	if len(convs) != 1 || convs[0].ID != "real" {
		t.Fatalf("expected only the real conversation")
	}
	if r.Stats().EmptyConversations != 2 {
		t.Fatalf("empty = %d", r.Stats().EmptyConversations)
	}
}

func TestTieBreakAndMissingTimes(t *testing.T) {
	src := `[{
	  "id": "ties", "create_time": 50,
	  "mapping": {
	    "z": {"id": "z", "message": {"author": {"role": "user"}, "create_time": 100, "content": "z-first-seen"}},
	    "a": {"id": "a", "message": {"author": {"role": "assistant"}, "create_time": 100, "content": "a-second-seen"}},
	    "m": {"id": "m", "message": {"author": {"role": "user"}, "content": "missing"}},
	    "early": {"id": "early", "message": {"author": {"role": "user"}, "create_time": 60, "content": "early"}}
	  }
	}]`

	convs, _ := readAll(t, src, Options{})
	got := strings.Join(texts(convs[0].Messages), "|")
	if got != "early|z-first-seen|a-second-seen|missing" {
		t.Fatalf("encounter/inherit order = %s", got)
	}

	convs, _ = readAll(t, src, Options{Ordering: Ordering{TieBreak: TieBreakNodeID, MissingTime: MissingFirst}})
	got = strings.Join(texts(convs[0].Messages), "|")
	if got != "missing|early|a-second-seen|z-first-seen" {
		t.Fatalf("node_id/first order = %s", got)
	}

	convs, _ = readAll(t, src, Options{Ordering: Ordering{TieBreak: TieBreakEncounter, MissingTime: MissingLast}})
	msgs := convs[0].Messages
	if msgs[len(msgs)-1].Text != "missing" {
		t.Fatalf("missing-last did not place message at the end")
	}
	assertSorted(t, msgs)
}

func TestParseOrdering(t *testing.T) {
	if _, err := ParseOrdering("node_id", "last"); err != nil {
		t.Fatalf("valid ordering rejected: %v", err)
	}
	if _, err := ParseOrdering("random", ""); err == nil {
		t.Fatalf("expected unknown tie break to fail")
	}
}

func TestPreFlattenedMessages(t *testing.T) {
	src := `[{"id": "flat", "title": "Flat", "messages": [
	  {"role": "assistant", "content": "answer", "create_time": "2024-01-01T10:00:05Z"},
	  {"role": "user", "content": "question", "create_time": "2024-01-01T10:00:00Z"},
	  {"role": "system", "content": "ignored"}
	]}]`
	convs, _ := readAll(t, src, Options{})
	got := strings.Join(texts(convs[0].Messages), "|")
	if got != "question|answer" {
		t.Fatalf("flat order = %s", got)
	}
	if convs[0].Messages[0].CreatedAt.Year() != 2024 {
		t.Fatalf("timestamp not parsed: %v", convs[0].Messages[0].CreatedAt)
	}
}

func TestTruncatedStreamReportsError(t *testing.T) {
	src := `[{"id": "ok", "mapping": {"u": {"id": "u", "message": {"author": {"role": "user"}, "create_time": 1, "content": "hi"}}}}, {"id": "cut", "mapping": {`
	r := NewReader(strings.NewReader(src), Options{}, nil)
	n := 0
	for r.Next() {
		n++
	}
	if n != 1 {
		t.Fatalf("expected first conversation before the cut, got %d", n)
	}
	if r.Err() == nil {
		t.Fatalf("expected error for truncated stream")
	}
}

func TestUnsupportedLayout(t *testing.T) {
	r := NewReader(strings.NewReader(`"just a string"`), Options{}, nil)
	if r.Next() {
		t.Fatalf("expected no conversations")
	}
	if !errors.Is(r.Err(), ErrUnsupportedLayout) {
		t.Fatalf("err = %v", r.Err())
	}
}

var errBoom = errors.New("boom")

type failingReader struct {
	r     io.Reader
	after int
	n     int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n >= f.after {
		return 0, errBoom
	}
	if len(p) > f.after-f.n {
		p = p[:f.after-f.n]
	}
	n, err := f.r.Read(p)
	f.n += n
	return n, err
}

func TestSourceErrorIsWrapped(t *testing.T) {
	src := strings.Repeat(`{"id":"x","mapping":{}},`, 200)
	r := NewReader(&failingReader{r: strings.NewReader("[" + src), after: 1000}, Options{BufferSize: 128}, nil)
	for r.Next() {
	}
	if !errors.Is(r.Err(), errBoom) {
		t.Fatalf("expected wrapped source error, got %v", r.Err())
	}
}

func TestRandomExportsAreSortedAndFiltered(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	roles := []string{"user", "assistant", "system", "tool"}
	var b strings.Builder
	b.WriteString("[")
	for c := 0; c < 40; c++ {
		if c > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id":"c%d","mapping":{`, c)
		nodes := 1 + rng.Intn(30)
		for n := 0; n < nodes; n++ {
			if n > 0 {
				b.WriteString(",")
			}
			role := roles[rng.Intn(len(roles))]
			hidden := rng.Intn(5) == 0
			ts := "null"
			if rng.Intn(6) != 0 {
				ts = fmt.Sprintf("%d.%d", 1700000000+rng.Intn(1000), rng.Intn(1000))
			}
			fmt.Fprintf(&b, `"n%d":{"id":"n%d","message":{"author":{"role":%q},"create_time":%s,"content":{"parts":["text %d"]},"metadata":{"is_visually_hidden_from_conversation":%t}}}`,
				n, n, role, ts, n, hidden)
		}
		b.WriteString("}}")
	}
	b.WriteString("]")

	for _, missing := range []MissingTime{MissingInherit, MissingFirst, MissingLast} {
		convs, _ := readAll(t, b.String(), Options{Ordering: Ordering{TieBreak: TieBreakEncounter, MissingTime: missing}})
		for _, c := range convs {
			assertSorted(t, c.Messages)
			for _, m := range c.Messages {
				if m.Role != RoleUser && m.Role != RoleAssistant {
					t.Fatalf("unexpected role %q", m.Role)
				}
			}
		}
	}
}

func assertSorted(t *testing.T, msgs []Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages not sorted at %d: %v before %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
