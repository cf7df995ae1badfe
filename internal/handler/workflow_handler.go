package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grd-workflow-api/internal/dto"
	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
	"github.com/noah-isme/grd-workflow-api/pkg/response"
)

type activeWorkflowService interface {
	HasActiveWorkflow(ctx context.Context) (*models.ActiveWorkflow, error)
}

// WorkflowHandler exposes the guard status and the workflow tables.
type WorkflowHandler struct {
	guard activeWorkflowService
}

// NewWorkflowHandler constructs the handler.
func NewWorkflowHandler(guard activeWorkflowService) *WorkflowHandler {
	return &WorkflowHandler{guard: guard}
}

// Active godoc
// @Summary File currently holding the active workflow
// @Tags Workflow
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /workflow/active [get]
func (h *WorkflowHandler) Active(c *gin.Context) {
	active, err := h.guard.HasActiveWorkflow(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, active, nil)
}

// Transitions godoc
// @Summary Transition table and field catalogue
// @Tags Workflow
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /workflow/transitions [get]
func (h *WorkflowHandler) Transitions(c *gin.Context) {
	response.JSON(c, http.StatusOK, dto.NewWorkflowDefinitionResponse(workflow.Edges(), workflow.Fields()), nil)
}
