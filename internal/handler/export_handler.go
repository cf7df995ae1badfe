package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grd-workflow-api/internal/middleware"
	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/service"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
	"github.com/noah-isme/grd-workflow-api/pkg/export"
	"github.com/noah-isme/grd-workflow-api/pkg/response"
)

type exportService interface {
	Export(ctx context.Context, actor models.Actor, fileID int64) (*service.ExportResult, error)
	ListArtifacts(ctx context.Context, fileID int64) ([]service.ArtifactLink, error)
	Dataset(ctx context.Context, fileID int64) (*export.Dataset, bool, error)
	Download(ctx context.Context, token string) (*models.ExportArtifact, io.ReadCloser, error)
}

// ExportHandler exposes the export pipeline and signed downloads.
type ExportHandler struct {
	service exportService
}

// NewExportHandler constructs the handler.
func NewExportHandler(service exportService) *ExportHandler {
	return &ExportHandler{service: service}
}

// Export godoc
// @Summary Export an approved GRD file
// @Description Renders CSV and PDF artifacts and moves the file to exported
// @Tags Exports
// @Produce json
// @Param id path int true "File ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /grd-files/{id}/export [post]
func (h *ExportHandler) Export(c *gin.Context) {
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
	res, err := h.service.Export(c.Request.Context(), actor, fileID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// ListArtifacts godoc
// @Summary List export artifacts of a file
// @Tags Exports
// @Produce json
// @Param id path int true "File ID"
// @Success 200 {object} response.Envelope
// @Router /grd-files/{id}/exports [get]
func (h *ExportHandler) ListArtifacts(c *gin.Context) {
	fileID, err := fileIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	links, err := h.service.ListArtifacts(c.Request.Context(), fileID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, links, nil)
}

// Dataset godoc
// @Summary Exported dataset of a file
// @Tags Exports
// @Produce json
// @Param id path int true "File ID"
// @Success 200 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /grd-files/{id}/dataset [get]
func (h *ExportHandler) Dataset(c *gin.Context) {
	fileID, err := fileIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	dataset, cacheHit, err := h.service.Dataset(c.Request.Context(), fileID)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, dataset, nil, middleware.ResponseMeta(c))
}

// Download godoc
// @Summary Download an export artifact
// @Description Streams the artifact behind a signed link. No bearer token is required.
// @Tags Exports
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /exports/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid download link"))
		return
	}
	artifact, body, err := h.service.Download(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer body.Close()

	contentType := "application/octet-stream"
	switch artifact.Format {
	case models.ExportFormatCSV:
		contentType = "text/csv; charset=utf-8"
	case models.ExportFormatPDF:
		contentType = "application/pdf"
	}
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, artifact.SizeBytes, contentType, body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="grd_%d.%s"`, artifact.FileID, artifact.Format),
	})
}
