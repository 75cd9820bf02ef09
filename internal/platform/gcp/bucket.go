package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/yungbote/memory-import/internal/importer/fetch"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

// ObjectSource reads export objects from Cloud Storage (or a fake-gcs emulator). It
// implements fetch.Source.
type ObjectSource struct {
	log           *logger.Logger
	client        *storage.Client
	defaultBucket string
}

func NewObjectSource(ctx context.Context, log *logger.Logger, storageCfg ObjectStorageConfig, defaultBucket, credentialsJSON string) (*ObjectSource, error) {
	if err := ValidateObjectStorageConfig(storageCfg); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	client, err := newStorageClientForMode(ctx, storageCfg, credentialsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	serviceLog := log.With("service", "ObjectSource")
	serviceLog.Info(
		"Object storage initialized",
		"mode", storageCfg.Mode,
		"emulator_host", storageCfg.EmulatorHost,
		"default_bucket", defaultBucket,
	)
	return &ObjectSource{log: serviceLog, client: client, defaultBucket: strings.TrimSpace(defaultBucket)}, nil
}

func newStorageClientForMode(ctx context.Context, storageCfg ObjectStorageConfig, credentialsJSON string) (*storage.Client, error) {
	switch storageCfg.Mode {
	case ObjectStorageModeGCS:
		opts := ClientOptions(credentialsJSON)
		opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
		return storage.NewClient(ctx, opts...)
	case ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, &ObjectStorageConfigError{Code: ObjectStorageConfigErrorInvalidMode, Value: string(storageCfg.Mode)}
	}
}

func (s *ObjectSource) Close() error {
	return s.client.Close()
}

// SplitObjectPath accepts gs://bucket/key or a bare key resolved against defaultBucket.
func SplitObjectPath(path, defaultBucket string) (bucket, key string, err error) {
	p := strings.TrimSpace(path)
	if strings.HasPrefix(p, "gs://") {
		rest := strings.TrimPrefix(p, "gs://")
		i := strings.Index(rest, "/")
		if i <= 0 || i == len(rest)-1 {
			return "", "", fmt.Errorf("invalid object path %q", path)
		}
		return rest[:i], rest[i+1:], nil
	}
	key = strings.TrimLeft(p, "/")
	if key == "" {
		return "", "", fmt.Errorf("empty object path")
	}
	if defaultBucket == "" {
		return "", "", fmt.Errorf("object path %q has no bucket and no default bucket is configured", path)
	}
	return defaultBucket, key, nil
}

func (s *ObjectSource) object(path string) (*storage.ObjectHandle, error) {
	bucket, key, err := SplitObjectPath(path, s.defaultBucket)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(bucket).Object(key), nil
}

func (s *ObjectSource) Stat(ctx context.Context, path string) (fetch.ObjectInfo, error) {
	obj, err := s.object(path)
	if err != nil {
		return fetch.ObjectInfo{}, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return fetch.ObjectInfo{}, mapError(path, err)
	}
	return fetch.ObjectInfo{
		Size:            attrs.Size,
		ContentType:     attrs.ContentType,
		ContentEncoding: attrs.ContentEncoding,
	}, nil
}

// OpenRange keeps its own cancelable context alive until the reader is closed. Unlike
// short media downloads, export streams have no wall-clock cap.
func (s *ObjectSource) OpenRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	obj, err := s.object(path)
	if err != nil {
		return nil, err
	}
	if length < 0 {
		length = -1
	}
	ctx2, cancel := context.WithCancel(ctx)
	r, err := obj.NewRangeReader(ctx2, offset, length)
	if err != nil {
		cancel()
		return nil, mapError(path, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

// apiError exposes the HTTP status of a googleapi error to the retry classifier.
type apiError struct {
	code int
	err  error
}

func (e *apiError) Error() string       { return e.err.Error() }
func (e *apiError) Unwrap() error       { return e.err }
func (e *apiError) HTTPStatusCode() int { return e.code }

func mapError(path string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %s", fetch.ErrNotFound, path)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 404 {
			return fmt.Errorf("%w: %s", fetch.ErrNotFound, path)
		}
		return &apiError{code: gerr.Code, err: fmt.Errorf("gcs %s: %w", path, err)}
	}
	return fmt.Errorf("gcs %s: %w", path, err)
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
