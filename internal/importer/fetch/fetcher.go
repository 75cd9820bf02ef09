// Package fetch streams export archives out of blob storage with constant memory.
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/pkg/retry"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatGzip Format = "gzip"
	FormatZip  Format = "zip"
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
)

type Config struct {
	// MaxBytes caps both the stored and the decoded size of an export.
	MaxBytes   int64
	BufferSize int
	// WindowSize is the ranged-read window used to walk zip archives.
	WindowSize int
	ZipMember  string
	Retry      retry.Policy
	// MaxResumes bounds how many times a broken stream is reopened at its offset.
	MaxResumes int
}

func DefaultConfig() Config {
	return Config{
		MaxBytes:   1 << 30,
		BufferSize: 256 << 10,
		WindowSize: 1 << 20,
		ZipMember:  "conversations.json",
		Retry:      retry.Policy{MaxRetries: 4, Initial: 500 * time.Millisecond, Max: 10 * time.Second},
		MaxResumes: 5,
	}
}

type Fetcher struct {
	src Source
	cfg Config
	log *logger.Logger
}

func New(src Source, cfg Config, log *logger.Logger) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ZipMember == "" {
		cfg.ZipMember = def.ZipMember
	}
	if cfg.MaxResumes < 0 {
		cfg.MaxResumes = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Fetcher{src: src, cfg: cfg, log: log.With("service", "Fetcher")}
}

// Stream is the decoded export body. Reads past Config.MaxBytes fail with ErrExportTooLarge.
type Stream struct {
	r       *limitReader
	closers []io.Closer
	format  Format
	size    int64
}

func (s *Stream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *Stream) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Stream) Format() Format { return s.format }

// Size is the stored object size.
func (s *Stream) Size() int64 { return s.size }

// BytesRead is the number of decoded bytes handed to the caller so far.
func (s *Stream) BytesRead() int64 { return s.r.read }

// Open stats the object, then returns a stream of its JSON payload, unwrapping gzip and
// zip containers on the fly.
func (f *Fetcher) Open(ctx context.Context, objectPath string) (*Stream, error) {
	info, err := retry.Do(ctx, f.cfg.Retry, IsTransient, func(ctx context.Context) (ObjectInfo, error) {
		return f.src.Stat(ctx, objectPath)
	}, f.onRetry("stat", objectPath))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", objectPath, err)
	}
	if info.Size > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrExportTooLarge, info.Size, f.cfg.MaxBytes)
	}

	body := &resumingReader{ctx: ctx, f: f, path: objectPath, size: info.Size}
	if strings.EqualFold(info.ContentEncoding, "gzip") {
		// transcoded objects are served decompressed and cannot be ranged
		body.size = -1
		body.noResume = true
	}
	br := bufio.NewReaderSize(body, f.cfg.BufferSize)
	magic, err := br.Peek(len(magicZip))
	if err != nil && !errors.Is(err, io.EOF) {
		_ = body.Close()
		return nil, fmt.Errorf("read %s: %w", objectPath, err)
	}

	switch {
	case bytes.HasPrefix(magic, magicZip):
		_ = body.Close()
		if info.Size <= 0 || body.noResume {
			return nil, fmt.Errorf("zip export %s needs a known stored size", objectPath)
		}
		return f.openZip(ctx, objectPath, info.Size)
	case bytes.HasPrefix(magic, magicGzip):
		gz, err := gzip.NewReader(br)
		if err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("gzip %s: %w", objectPath, err)
		}
		return &Stream{
			r:       &limitReader{r: gz, remaining: f.cfg.MaxBytes},
			closers: []io.Closer{body, gz},
			format:  FormatGzip,
			size:    info.Size,
		}, nil
	default:
		return &Stream{
			r:       &limitReader{r: br, remaining: f.cfg.MaxBytes},
			closers: []io.Closer{body},
			format:  FormatJSON,
			size:    info.Size,
		}, nil
	}
}

func (f *Fetcher) openZip(ctx context.Context, objectPath string, size int64) (*Stream, error) {
	ra := &windowReaderAt{ctx: ctx, f: f, path: objectPath, size: size, buf: make([]byte, f.cfg.WindowSize)}
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", objectPath, err)
	}
	member := pickMember(zr.File, f.cfg.ZipMember)
	if member == nil {
		return nil, fmt.Errorf("%w: %s has no %s member", ErrNotFound, objectPath, f.cfg.ZipMember)
	}
	if member.UncompressedSize64 > uint64(f.cfg.MaxBytes) {
		return nil, fmt.Errorf("%w: member %s is %d bytes", ErrExportTooLarge, member.Name, member.UncompressedSize64)
	}
	rc, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip member %s: %w", member.Name, err)
	}
	f.log.Debug("streaming zip member", "path", objectPath, "member", member.Name, "bytes", member.UncompressedSize64)
	return &Stream{
		r:       &limitReader{r: rc, remaining: f.cfg.MaxBytes},
		closers: []io.Closer{rc},
		format:  FormatZip,
		size:    size,
	}, nil
}

// pickMember prefers an exact base-name match, then the first JSON file.
func pickMember(files []*zip.File, want string) *zip.File {
	var fallback *zip.File
	for _, zf := range files {
		name := zf.Name
		if strings.HasSuffix(name, "/") || strings.HasPrefix(name, "__MACOSX/") {
			continue
		}
		if strings.EqualFold(path.Base(name), want) {
			return zf
		}
		if fallback == nil && strings.EqualFold(path.Ext(name), ".json") {
			fallback = zf
		}
	}
	return fallback
}

func (f *Fetcher) onRetry(op, objectPath string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		f.log.Warn("storage call failed, retrying", "op", op, "path", objectPath, "wait", wait.String(), "error", err)
	}
}

func (f *Fetcher) openAt(ctx context.Context, objectPath string, offset, length int64) (io.ReadCloser, error) {
	return retry.Do(ctx, f.cfg.Retry, IsTransient, func(ctx context.Context) (io.ReadCloser, error) {
		return f.src.OpenRange(ctx, objectPath, offset, length)
	}, f.onRetry("open", objectPath))
}

// limitReader fails once more than remaining bytes would be delivered.
type limitReader struct {
	r         io.Reader
	remaining int64
	read      int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if l.remaining <= 0 {
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			return 0, ErrExportTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	l.read += int64(n)
	return n, err
}

// resumingReader reads an object sequentially and reopens it at the current offset when
// the connection breaks mid-stream.
type resumingReader struct {
	ctx      context.Context
	f        *Fetcher
	path     string
	size     int64
	off      int64
	rc       io.ReadCloser
	resumes  int
	noResume bool
}

func (r *resumingReader) Read(p []byte) (int, error) {
	for {
		if r.rc == nil {
			if r.size >= 0 && r.off >= r.size && r.off > 0 {
				return 0, io.EOF
			}
			rc, err := r.f.openAt(r.ctx, r.path, r.off, -1)
			if err != nil {
				return 0, err
			}
			r.rc = rc
		}
		n, err := r.rc.Read(p)
		r.off += int64(n)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, io.EOF) {
			if r.size < 0 || r.off >= r.size {
				return n, io.EOF
			}
			err = io.ErrUnexpectedEOF
		}
		if r.noResume || r.resumes >= r.f.cfg.MaxResumes || !IsTransient(err) {
			return n, err
		}
		r.resumes++
		r.f.log.Warn("export stream broke, resuming", "path", r.path, "offset", r.off, "attempt", r.resumes, "error", err)
		_ = r.rc.Close()
		r.rc = nil
		if n > 0 {
			return n, nil
		}
	}
}

func (r *resumingReader) Close() error {
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc = nil
	return err
}

// windowReaderAt serves ReadAt from one fixed-size window of ranged reads. It is not safe
// for concurrent use, which matches how the zip reader drives a single member.
type windowReaderAt struct {
	ctx   context.Context
	f     *Fetcher
	path  string
	size  int64
	buf   []byte
	start int64
	n     int
}

func (w *windowReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	total := 0
	for total < len(p) && off < w.size {
		if off < w.start || off >= w.start+int64(w.n) {
			if err := w.fill(off); err != nil {
				return total, err
			}
		}
		c := copy(p[total:], w.buf[off-w.start:w.n])
		total += c
		off += int64(c)
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

func (w *windowReaderAt) fill(off int64) error {
	length := int64(len(w.buf))
	if rest := w.size - off; rest < length {
		length = rest
	}
	rc, err := w.f.openAt(w.ctx, w.path, off, length)
	if err != nil {
		return err
	}
	defer rc.Close()
	n, err := io.ReadFull(rc, w.buf[:length])
	if err != nil {
		w.n = 0
		return fmt.Errorf("ranged read at %d: %w", off, err)
	}
	w.start, w.n = off, n
	return nil
}
