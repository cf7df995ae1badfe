package dto

import (
	"encoding/json"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
)

// TransitionRequest carries the optional payload of a workflow action.
type TransitionRequest struct {
	Reason string `json:"reason"`
}

// UpdateEpisodeRequest lists the fields to write on one episode. A null value clears
// the field.
type UpdateEpisodeRequest struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

// GrdFileDetailResponse is a file with every episode it contains.
type GrdFileDetailResponse struct {
	File *models.GrdFile `json:"file"`
	Rows []models.GrdRow `json:"rows"`
}

// UploadResponse reports the created file and the columns that were not imported.
type UploadResponse struct {
	File           *models.GrdFile `json:"file"`
	IgnoredColumns []string        `json:"ignoredColumns"`
}

// TransitionEdgeResponse describes one edge of the workflow for clients.
type TransitionEdgeResponse struct {
	Action       models.WorkflowAction  `json:"action"`
	From         []models.WorkflowState `json:"from"`
	To           models.WorkflowState   `json:"to"`
	AllowedRoles []models.UserRole      `json:"allowedRoles"`
}

// FieldResponse describes one catalogue field.
type FieldResponse struct {
	Name   string `json:"name"`
	Origin string `json:"origin"`
}

// WorkflowDefinitionResponse is the transition table plus the field catalogue.
type WorkflowDefinitionResponse struct {
	Transitions []TransitionEdgeResponse `json:"transitions"`
	Fields      []FieldResponse          `json:"fields"`
}

// NewWorkflowDefinitionResponse renders the workflow tables.
func NewWorkflowDefinitionResponse(edges []workflow.Edge, fields []workflow.Field) WorkflowDefinitionResponse {
	out := WorkflowDefinitionResponse{
		Transitions: make([]TransitionEdgeResponse, 0, len(edges)),
		Fields:      make([]FieldResponse, 0, len(fields)),
	}
	for _, e := range edges {
		out.Transitions = append(out.Transitions, TransitionEdgeResponse{
			Action:       e.Action,
			From:         e.From,
			To:           e.To,
			AllowedRoles: e.AllowedRoles,
		})
	}
	for _, f := range fields {
		out.Fields = append(out.Fields, FieldResponse{Name: f.Name, Origin: f.Origin.String()})
	}
	return out
}
