package errors

import "errors"

// Service sentinels. Callers wrap them with %w and the HTTP layer maps them onto statuses.
var (
	// ErrInvalidArgument marks a request the import service will never accept as sent.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized marks a caller acting for a user other than the token subject.
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")

	// ErrUnavailable marks a request refused only for now, e.g. while the worker pool drains.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// Temporary reports whether err is worth retrying unchanged later.
func Temporary(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
