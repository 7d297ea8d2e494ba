package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/laclasse-com/annuaire-sync/internal/dto"
	"github.com/laclasse-com/annuaire-sync/internal/service"
	appErrors "github.com/laclasse-com/annuaire-sync/pkg/errors"
	"github.com/laclasse-com/annuaire-sync/pkg/response"
)

// SyncHandler exposes synchronization run endpoints.
type SyncHandler struct {
	syncs    *service.SyncService
	archives *service.ArchiveService
}

// NewSyncHandler constructs the handler.
func NewSyncHandler(syncs *service.SyncService, archives *service.ArchiveService) *SyncHandler {
	return &SyncHandler{syncs: syncs, archives: archives}
}

// StartRun godoc
// @Summary Start a synchronization run
// @Description Runs the reconciliation engine against an export archive. With apply=false the run is a dry run and no change is persisted.
// @Tags Synchronization
// @Accept json
// @Produce json
// @Param payload body dto.SyncRunRequest true "Run request"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sync/runs [post]
func (h *SyncHandler) StartRun(c *gin.Context) {
	var req dto.SyncRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid run payload"))
		return
	}
	result, err := h.syncs.StartRun(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// ListRuns godoc
// @Summary List recent synchronization runs
// @Tags Synchronization
// @Produce json
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /sync/runs [get]
func (h *SyncHandler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	summaries, err := h.syncs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summaries, nil)
}

// GetRun godoc
// @Summary Get the full result document of one run
// @Tags Synchronization
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sync/runs/{id} [get]
func (h *SyncHandler) GetRun(c *gin.Context) {
	result, err := h.syncs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// LatestRun godoc
// @Summary Get the most recent run
// @Tags Synchronization
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sync/latest [get]
func (h *SyncHandler) LatestRun(c *gin.Context) {
	result, err := h.syncs.LatestRun(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// UploadArchive godoc
// @Summary Upload an export archive
// @Description Stores the archive and returns the path to use in a run request.
// @Tags Synchronization
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Export archive (zip)"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /sync/archives [post]
func (h *SyncHandler) UploadArchive(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "archive file is required"))
		return
	}
	path, err := h.archives.Store(header)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"archivePath": path})
}
