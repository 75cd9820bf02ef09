package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/yungbote/memory-import/internal/importer/export"
	"github.com/yungbote/memory-import/internal/pkg/httpx"
	"github.com/yungbote/memory-import/internal/pkg/retry"
)

type memSource struct {
	mu        sync.Mutex
	objects   map[string][]byte
	statCalls int
	statFails []error
	// breakAfter makes the first full-body read fail with io.ErrUnexpectedEOF after n bytes.
	breakAfter int64
	served     int64
	opens      int
}

func (m *memSource) Stat(_ context.Context, path string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statCalls++
	if len(m.statFails) > 0 {
		err := m.statFails[0]
		m.statFails = m.statFails[1:]
		return ObjectInfo{}, err
	}
	b, ok := m.objects[path]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return ObjectInfo{Size: int64(len(b))}, nil
}

func (m *memSource) OpenRange(_ context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	end := int64(len(b))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	body := b[offset:end]
	if m.breakAfter > 0 && length < 0 && int64(len(body)) > m.breakAfter {
		cut := body[:m.breakAfter]
		m.breakAfter = 0
		return &countingReader{r: io.MultiReader(bytes.NewReader(cut), errReader{io.ErrUnexpectedEOF}), m: m}, nil
	}
	return &countingReader{r: bytes.NewReader(body), m: m}, nil
}

type countingReader struct {
	r io.Reader
	m *memSource
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.m.mu.Lock()
	c.m.served += int64(n)
	c.m.mu.Unlock()
	return n, err
}

func (c *countingReader) Close() error { return nil }

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BufferSize = 4 << 10
	cfg.WindowSize = 8 << 10
	cfg.Retry = retry.Policy{MaxRetries: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
	return cfg
}

func readStream(t *testing.T, f *Fetcher, path string) ([]byte, *Stream) {
	t.Helper()
	s, err := f.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	defer s.Close()
	b, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b, s
}

const sampleExport = `[{"id":"c1","title":"t","mapping":{}}]`

func TestNotFoundIsNotRetried(t *testing.T) {
	src := &memSource{objects: map[string][]byte{}}
	_, err := New(src, testConfig(), nil).Open(context.Background(), "missing.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if src.statCalls != 1 {
		t.Fatalf("expected a single stat call, got %d", src.statCalls)
	}
}

func TestTransientStatIsRetried(t *testing.T) {
	src := &memSource{
		objects:   map[string][]byte{"a.json": []byte(sampleExport)},
		statFails: []error{&httpx.StatusError{Code: 503}, &httpx.StatusError{Code: 503}},
	}
	got, s := readStream(t, New(src, testConfig(), nil), "a.json")
	if string(got) != sampleExport {
		t.Fatalf("unexpected body %q", got)
	}
	if s.Format() != FormatJSON {
		t.Fatalf("expected json format, got %s", s.Format())
	}
	if src.statCalls != 3 {
		t.Fatalf("expected 3 stat calls, got %d", src.statCalls)
	}
}

func TestStoredSizeOverLimit(t *testing.T) {
	src := &memSource{objects: map[string][]byte{"big.json": bytes.Repeat([]byte(" "), 2048)}}
	cfg := testConfig()
	cfg.MaxBytes = 1024
	_, err := New(src, cfg, nil).Open(context.Background(), "big.json")
	if !errors.Is(err, ErrExportTooLarge) {
		t.Fatalf("expected ErrExportTooLarge, got %v", err)
	}
}

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestGzipIsDetected(t *testing.T) {
	src := &memSource{objects: map[string][]byte{"a.json.gz": gzipBytes(t, []byte(sampleExport))}}
	got, s := readStream(t, New(src, testConfig(), nil), "a.json.gz")
	if string(got) != sampleExport {
		t.Fatalf("unexpected body %q", got)
	}
	if s.Format() != FormatGzip {
		t.Fatalf("expected gzip format, got %s", s.Format())
	}
}

func TestDecodedSizeOverLimit(t *testing.T) {
	bomb := gzipBytes(t, bytes.Repeat([]byte("a"), 64<<10))
	src := &memSource{objects: map[string][]byte{"bomb.gz": bomb}}
	cfg := testConfig()
	cfg.MaxBytes = 16 << 10
	s, err := New(src, cfg, nil).Open(context.Background(), "bomb.gz")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	_, err = io.Copy(io.Discard, s)
	if !errors.Is(err, ErrExportTooLarge) {
		t.Fatalf("expected ErrExportTooLarge, got %v", err)
	}
}

func TestZipMemberIsStreamedWithoutSiblings(t *testing.T) {
	sibling := make([]byte, 2<<20)
	rand.New(rand.NewSource(1)).Read(sibling)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "images/photo.bin", Method: zip.Store})
	if err != nil {
		t.Fatalf("create sibling: %v", err)
	}
	if _, err := w.Write(sibling); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	w, err = zw.Create("export/conversations.json")
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	if _, err := io.WriteString(w, sampleExport); err != nil {
		t.Fatalf("write member: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	src := &memSource{objects: map[string][]byte{"export.zip": buf.Bytes()}}
	got, s := readStream(t, New(src, testConfig(), nil), "export.zip")
	if string(got) != sampleExport {
		t.Fatalf("unexpected body %q", got)
	}
	if s.Format() != FormatZip {
		t.Fatalf("expected zip format, got %s", s.Format())
	}
	if src.served > int64(len(sibling))/4 {
		t.Fatalf("fetched %d bytes, sibling of %d should have been skipped", src.served, len(sibling))
	}
}

func TestZipWithoutMember(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("readme.txt")
	_, _ = io.WriteString(w, "hello")
	_ = zw.Close()

	src := &memSource{objects: map[string][]byte{"x.zip": buf.Bytes()}}
	_, err := New(src, testConfig(), nil).Open(context.Background(), "x.zip")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStreamResumesAfterBreak(t *testing.T) {
	body := []byte(strings.Repeat(`{"id":"x"},`, 4000))
	src := &memSource{objects: map[string][]byte{"a.json": body}, breakAfter: 10000}
	got, _ := readStream(t, New(src, testConfig(), nil), "a.json")
	if !bytes.Equal(got, body) {
		t.Fatalf("resumed body differs: got %d bytes, want %d", len(got), len(body))
	}
	if src.opens != 2 {
		t.Fatalf("expected 2 opens, got %d", src.opens)
	}
}

func TestPickMember(t *testing.T) {
	files := []*zip.File{
		{FileHeader: zip.FileHeader{Name: "__MACOSX/conversations.json"}},
		{FileHeader: zip.FileHeader{Name: "chat.json"}},
		{FileHeader: zip.FileHeader{Name: "Export/Conversations.JSON"}},
	}
	if got := pickMember(files, "conversations.json"); got == nil || got.Name != "Export/Conversations.JSON" {
		t.Fatalf("unexpected member %v", got)
	}
	if got := pickMember(files[:2], "conversations.json"); got == nil || got.Name != "chat.json" {
		t.Fatalf("expected json fallback, got %v", got)
	}
}

// genSource serves a synthetic export of n identical-width conversations without
// materialising it, and records the largest read it was asked for.
type genSource struct {
	n       int
	maxRead int
}

func genConversation(i int) string {
	return fmt.Sprintf(`{"id":"conv-%08d","title":"generated","create_time":1700000000,"mapping":{`+
		`"a":{"id":"a","message":{"author":{"role":"user"},"create_time":1700000001,"content":{"content_type":"text","parts":["question %08d"]}},"parent":null,"children":["b"]},`+
		`"b":{"id":"b","message":{"author":{"role":"assistant"},"create_time":1700000002,"content":{"content_type":"text","parts":["answer %08d"]}},"parent":"a","children":[]}}}`, i, i, i)
}

func (g *genSource) size() int64 {
	per := int64(len(genConversation(0)))
	return 2 + per*int64(g.n) + int64(g.n-1)
}

func (g *genSource) Stat(context.Context, string) (ObjectInfo, error) {
	return ObjectInfo{Size: g.size()}, nil
}

func (g *genSource) OpenRange(_ context.Context, _ string, offset, _ int64) (io.ReadCloser, error) {
	if offset != 0 {
		return nil, fmt.Errorf("generator cannot seek to %d", offset)
	}
	return &genReader{g: g}, nil
}

type genReader struct {
	g       *genSource
	i       int
	pending []byte
	started bool
	done    bool
}

func (r *genReader) Read(p []byte) (int, error) {
	if len(p) > r.g.maxRead {
		r.g.maxRead = len(p)
	}
	for len(r.pending) == 0 {
		switch {
		case r.done:
			return 0, io.EOF
		case !r.started:
			r.started = true
			r.pending = []byte("[")
		case r.i == r.g.n:
			r.done = true
			r.pending = []byte("]")
		default:
			s := genConversation(r.i)
			if r.i > 0 {
				s = "," + s
			}
			r.i++
			r.pending = []byte(s)
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *genReader) Close() error { return nil }

func peakHeapWhileParsing(t *testing.T, n int) (uint64, *genSource) {
	t.Helper()
	src := &genSource{n: n}
	cfg := testConfig()
	cfg.MaxBytes = src.size() + 1
	s, err := New(src, cfg, nil).Open(context.Background(), "gen.json")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var peak uint64
	var ms runtime.MemStats
	sample := func() {
		runtime.GC()
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > peak {
			peak = ms.HeapAlloc
		}
	}
	r := export.NewReader(s, export.Options{BufferSize: cfg.BufferSize}, nil)
	count := 0
	for r.Next() {
		count++
		if count%1000 == 0 {
			sample()
		}
	}
	if err := r.Err(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d conversations, got %d", n, count)
	}
	sample()
	return peak, src
}

func TestMemoryIsIndependentOfExportSize(t *testing.T) {
	if testing.Short() {
		t.Skip("large synthetic export")
	}
	small, smallSrc := peakHeapWhileParsing(t, 20000)
	large, largeSrc := peakHeapWhileParsing(t, 200000)
	if largeSrc.size() < 10*smallSrc.size() {
		t.Fatalf("generator sizes are off: %d vs %d", largeSrc.size(), smallSrc.size())
	}
	if large > small+16<<20 {
		t.Fatalf("peak heap grew with export size: small=%d large=%d", small, large)
	}
	for _, g := range []*genSource{smallSrc, largeSrc} {
		if g.maxRead > 4<<10 {
			t.Fatalf("source asked for %d bytes at once, buffer is %d", g.maxRead, 4<<10)
		}
	}
}
