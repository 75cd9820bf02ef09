package fetch

import (
	"errors"
	"io"

	"github.com/yungbote/memory-import/internal/pkg/httpx"
)

var (
	ErrNotFound       = errors.New("file not found")
	ErrExportTooLarge = errors.New("export too large")
)

// IsTransient reports whether a storage error is worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrExportTooLarge) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return httpx.IsRetryableError(err)
}
