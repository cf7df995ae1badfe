package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grd-workflow-api/internal/dto"
	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/service"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
	"github.com/noah-isme/grd-workflow-api/pkg/response"
)

type episodeService interface {
	Get(ctx context.Context, episodeID string) (*models.GrdRow, error)
	Permissions(ctx context.Context, episodeID string, role models.UserRole) (*service.EpisodePermissions, error)
	UpdateFields(ctx context.Context, actor models.Actor, episodeID string, fields map[string]json.RawMessage) (*models.GrdRow, error)
}

// EpisodeHandler exposes single-episode reads and field edits.
type EpisodeHandler struct {
	service episodeService
}

// NewEpisodeHandler constructs the handler.
func NewEpisodeHandler(service episodeService) *EpisodeHandler {
	return &EpisodeHandler{service: service}
}

// Get godoc
// @Summary Get an episode
// @Tags Episodes
// @Produce json
// @Param episodeId path string true "Episode ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /episodes/{episodeId} [get]
func (h *EpisodeHandler) Get(c *gin.Context) {
	row, err := h.service.Get(c.Request.Context(), episodeIDParam(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, row, nil)
}

// Permissions godoc
// @Summary Fields the caller may write on an episode
// @Tags Episodes
// @Produce json
// @Param episodeId path string true "Episode ID"
// @Success 200 {object} response.Envelope
// @Router /episodes/{episodeId}/permissions [get]
func (h *EpisodeHandler) Permissions(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	perms, err := h.service.Permissions(c.Request.Context(), episodeIDParam(c), actor.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, perms, nil)
}

// Update godoc
// @Summary Edit episode fields
// @Description Writes encoder or finance fields allowed in the episode's current state
// @Tags Episodes
// @Accept json
// @Produce json
// @Param episodeId path string true "Episode ID"
// @Param payload body dto.UpdateEpisodeRequest true "Fields to write"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /episodes/{episodeId} [patch]
func (h *EpisodeHandler) Update(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.UpdateEpisodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid episode payload"))
		return
	}
	row, err := h.service.UpdateFields(c.Request.Context(), actor, episodeIDParam(c), req.Fields)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, row, nil)
}

func episodeIDParam(c *gin.Context) string {
	return strings.TrimSpace(c.Param("episodeId"))
}
