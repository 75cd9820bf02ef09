package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/http/response"
	"github.com/yungbote/memory-import/internal/jobs/orchestrator"
	"github.com/yungbote/memory-import/internal/pkg/ctxutil"
	pkgerrors "github.com/yungbote/memory-import/internal/pkg/errors"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

// ImportService is the part of the orchestrator the API exposes.
type ImportService interface {
	Submit(ctx context.Context, userID uuid.UUID, storagePath string) (*types.ImportJob, error)
	Status(ctx context.Context, userID uuid.UUID) (*orchestrator.Status, error)
}

type ImportHandler struct {
	log     *logger.Logger
	imports ImportService
}

func NewImportHandler(log *logger.Logger, imports ImportService) *ImportHandler {
	return &ImportHandler{log: log.With("handler", "ImportHandler"), imports: imports}
}

type startImportRequest struct {
	UserID      string `json:"user_id" binding:"required,uuid"`
	StoragePath string `json:"storage_path" binding:"required,max=2048"`
}

type startImportResponse struct {
	Accepted bool      `json:"accepted"`
	JobID    uuid.UUID `json:"job_id"`
}

// POST /api/imports
func (h *ImportHandler) Start(c *gin.Context) {
	var req startImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_user_id", err)
		return
	}
	if err := authorize(c, userID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	job, err := h.imports.Submit(c.Request.Context(), userID, strings.TrimSpace(req.StoragePath))
	if err != nil {
		h.log.Warn("Import submit failed", "user_id", userID, "error", err)
		response.RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, startImportResponse{Accepted: true, JobID: job.ID})
}

// GET /api/imports/status?user_id=
func (h *ImportHandler) Status(c *gin.Context) {
	userID, err := uuid.Parse(strings.TrimSpace(c.Query("user_id")))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_user_id", err)
		return
	}
	if err := authorize(c, userID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	st, err := h.imports.Status(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("Import status failed", "user_id", userID, "error", err)
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, st)
}

// authorize only applies when the auth middleware ran: the token's subject must be the
// user the request is about.
func authorize(c *gin.Context, userID uuid.UUID) error {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		return nil
	}
	if rd.UserID != userID {
		return fmt.Errorf("%w: token subject does not match user_id", pkgerrors.ErrUnauthorized)
	}
	return nil
}
