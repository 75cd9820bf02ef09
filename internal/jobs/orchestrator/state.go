package orchestrator

import (
	"errors"

	"github.com/google/uuid"

	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/importer/export"
	"github.com/yungbote/memory-import/internal/importer/facts"
	"github.com/yungbote/memory-import/internal/importer/fetch"
)

// Status is what a user sees of their latest import.
type Status struct {
	JobID    *uuid.UUID `json:"job_id"`
	Stage    string     `json:"stage"`
	Progress int        `json:"progress"`
	Error    *string    `json:"error"`
	Ready    bool       `json:"ready"`
}

const StageNone = "none"

// User-facing failure reasons.
const (
	ReasonNotFound       = "file not found"
	ReasonTooLarge       = "export too large"
	ReasonNoConversation = "no conversations found in export"
	ReasonFactsTooLarge  = "extracted facts exceed processing limit"
	ReasonGeneric        = "import failed"
)

// ReasonFor maps a stage error to the short reason shown to the user.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, fetch.ErrExportTooLarge):
		return ReasonTooLarge
	case errors.Is(err, export.ErrNoConversations), errors.Is(err, export.ErrUnsupportedLayout):
		return ReasonNoConversation
	case errors.Is(err, facts.ErrBundleTooLarge):
		return ReasonFactsTooLarge
	default:
		return ReasonGeneric
	}
}

// fatalStage reports stages whose failure leaves the user with nothing to use.
func fatalStage(s types.Stage) bool {
	switch s {
	case types.StagePending, types.StageDownloading, types.StageChunking:
		return true
	default:
		return false
	}
}

// userVisible decides whether a failure at stage is shown to the user. Late failures stay
// hidden once a quick summary is available.
func userVisible(stage types.Stage, quickSummary bool) bool {
	return fatalStage(stage) || !quickSummary
}
