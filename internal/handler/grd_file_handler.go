package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grd-workflow-api/internal/dto"
	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/service"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
	"github.com/noah-isme/grd-workflow-api/pkg/response"
)

type grdFileService interface {
	List(ctx context.Context, filter models.GrdFileFilter) ([]models.GrdFile, *models.Pagination, error)
	Get(ctx context.Context, fileID int64) (*models.GrdFile, error)
	Rows(ctx context.Context, fileID int64) ([]models.GrdRow, error)
	Permissions(ctx context.Context, fileID int64, role models.UserRole) (*service.FilePermissions, error)
	History(ctx context.Context, fileID int64) ([]models.AuditLog, error)
}

type ingestionService interface {
	Ingest(ctx context.Context, actor models.Actor, req service.UploadRequest, body io.Reader) (*service.IngestionResult, error)
}

type transitionService interface {
	Transition(ctx context.Context, fileID int64, actor models.Actor, action models.WorkflowAction, payload workflow.Payload) (*models.TransitionOutcome, error)
}

// GrdFileHandler exposes GRD file upload, queries and workflow actions.
type GrdFileHandler struct {
	files     grdFileService
	ingestion ingestionService
	engine    transitionService
}

// NewGrdFileHandler constructs the handler.
func NewGrdFileHandler(files grdFileService, ingestion ingestionService, engine transitionService) *GrdFileHandler {
	return &GrdFileHandler{files: files, ingestion: ingestion, engine: engine}
}

// Upload godoc
// @Summary Upload a GRD file
// @Description Imports a CSV of episodes into a new file in borrador_encoder
// @Tags GRD Files
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "GRD CSV"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /grd-files [post]
func (h *GrdFileHandler) Upload(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "multipart field file is required"))
		return
	}
	body, err := header.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "upload could not be read"))
		return
	}
	defer body.Close()

	res, err := h.ingestion.Ingest(c.Request.Context(), actor, service.UploadRequest{
		Filename: header.Filename,
		Size:     header.Size,
	}, body)
	if err != nil {
		response.Error(c, err)
		return
	}
	ignored := res.IgnoredColumns
	if ignored == nil {
		ignored = []string{}
	}
	response.Created(c, dto.UploadResponse{File: res.File, IgnoredColumns: ignored})
}

// List godoc
// @Summary List GRD files
// @Tags GRD Files
// @Produce json
// @Param state query string false "Comma separated workflow states"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /grd-files [get]
func (h *GrdFileHandler) List(c *gin.Context) {
	filter := models.GrdFileFilter{}
	if raw := strings.TrimSpace(c.Query("state")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.States = append(filter.States, models.WorkflowState(part))
			}
		}
	}
	var err error
	if filter.Page, err = intQuery(c, "page"); err != nil {
		response.Error(c, err)
		return
	}
	if filter.PageSize, err = intQuery(c, "page_size"); err != nil {
		response.Error(c, err)
		return
	}

	files, page, err := h.files.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, files, page)
}

// Get godoc
// @Summary Get a GRD file with its episodes
// @Tags GRD Files
// @Produce json
// @Param id path int true "File ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grd-files/{id} [get]
func (h *GrdFileHandler) Get(c *gin.Context) {
	fileID, err := fileIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.files.Get(c.Request.Context(), fileID)
	if err != nil {
		response.Error(c, err)
		return
	}
	rows, err := h.files.Rows(c.Request.Context(), fileID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.GrdFileDetailResponse{File: file, Rows: rows}, nil)
}

// Permissions godoc
// @Summary Fields and actions available to the caller on a file
// @Tags GRD Files
// @Produce json
// @Param id path int true "File ID"
// @Success 200 {object} response.Envelope
// @Router /grd-files/{id}/permissions [get]
func (h *GrdFileHandler) Permissions(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	fileID, err := fileIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	perms, err := h.files.Permissions(c.Request.Context(), fileID, actor.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, perms, nil)
}

// History godoc
// @Summary Audit trail of a file
// @Tags GRD Files
// @Produce json
// @Param id path int true "File ID"
// @Success 200 {object} response.Envelope
// @Router /grd-files/{id}/history [get]
func (h *GrdFileHandler) History(c *gin.Context) {
	fileID, err := fileIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	logs, err := h.files.History(c.Request.Context(), fileID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}

// Transition godoc
// @Summary Apply a workflow action to a file
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path int true "File ID"
// @Param action path string true "submit-to-finance, save-finance-draft, submit-to-admin, approve or reject"
// @Param payload body dto.TransitionRequest false "Rejection reason"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /grd-files/{id}/transitions/{action} [post]
func (h *GrdFileHandler) Transition(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	fileID, err := fileIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	action := models.WorkflowAction(strings.TrimSpace(c.Param("action")))
	if action == models.ActionExport {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "use the export endpoint to export a file"))
		return
	}
	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid transition payload"))
		return
	}

	outcome, err := h.engine.Transition(c.Request.Context(), fileID, actor, action, workflow.Payload{Reason: req.Reason})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcome, nil)
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, appErrors.Clone(appErrors.ErrValidation, name+" must be an integer")
	}
	return v, nil
}
