package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type ObjectInfo struct {
	// Size in bytes as stored; negative when unknown.
	Size            int64
	ContentType     string
	ContentEncoding string
}

// Source is a blob store the fetcher can read from. Implementations return errors wrapping
// ErrNotFound for missing objects.
type Source interface {
	Stat(ctx context.Context, path string) (ObjectInfo, error)
	// OpenRange reads length bytes from offset; a negative length reads to the end.
	OpenRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)
}

// Router dispatches gs:// paths to the object store and file:// or absolute paths to the
// local source. Bare keys go to the object store when one is configured.
type Router struct {
	objects Source
	local   Source
}

func NewRouter(objects, local Source) *Router {
	return &Router{objects: objects, local: local}
}

func (r *Router) pick(path string) (Source, error) {
	switch {
	case strings.HasPrefix(path, "gs://"):
		if r.objects == nil {
			return nil, fmt.Errorf("object storage is not configured for %q", path)
		}
		return r.objects, nil
	case strings.HasPrefix(path, "file://"), filepath.IsAbs(path), strings.HasPrefix(path, "./"):
		if r.local == nil {
			return nil, fmt.Errorf("local files are not enabled for %q", path)
		}
		return r.local, nil
	case r.objects != nil:
		return r.objects, nil
	case r.local != nil:
		return r.local, nil
	default:
		return nil, errors.New("no storage source configured")
	}
}

func (r *Router) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	src, err := r.pick(path)
	if err != nil {
		return ObjectInfo{}, err
	}
	return src.Stat(ctx, path)
}

func (r *Router) OpenRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	src, err := r.pick(path)
	if err != nil {
		return nil, err
	}
	return src.OpenRange(ctx, path, offset, length)
}

// LocalSource reads exports from a directory on disk. Paths may not escape the root.
type LocalSource struct {
	root string
}

func NewLocalSource(root string) *LocalSource {
	return &LocalSource{root: filepath.Clean(root)}
}

func (s *LocalSource) resolve(path string) (string, error) {
	p := strings.TrimPrefix(path, "file://")
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrNotFound, path, s.root)
	}
	return p, nil
}

func (s *LocalSource) Stat(_ context.Context, path string) (ObjectInfo, error) {
	p, err := s.resolve(path)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return ObjectInfo{}, err
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	return ObjectInfo{Size: fi.Size()}, nil
}

func (s *LocalSource) OpenRange(_ context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	p, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error { return l.f.Close() }
