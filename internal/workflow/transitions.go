package workflow

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
)

// MinRejectReasonLength is the minimum trimmed length of a rejection reason.
const MinRejectReasonLength = 10

// Payload carries action-specific input.
type Payload struct {
	Reason string
}

// Precondition inspects every row of the file before an edge is applied.
type Precondition func(rows []models.GrdRow, payload Payload) error

// Edge is one row of the transition table.
type Edge struct {
	Action           models.WorkflowAction
	AllowedRoles     []models.UserRole
	From             []models.WorkflowState
	To               models.WorkflowState
	ForbiddenMessage string
	Precondition     Precondition
}

var edges = []Edge{
	{
		Action:           models.ActionSubmitToFinance,
		AllowedRoles:     []models.UserRole{models.RoleEncoder},
		From:             []models.WorkflowState{models.StateBorradorEncoder, models.StateRejected},
		To:               models.StatePendienteFinance,
		ForbiddenMessage: "only Encoders may submit to Finance",
		Precondition:     requireATDetalle,
	},
	{
		Action:           models.ActionSaveFinanceDraft,
		AllowedRoles:     []models.UserRole{models.RoleFinance},
		From:             []models.WorkflowState{models.StatePendienteFinance, models.StateBorradorFinance},
		To:               models.StateBorradorFinance,
		ForbiddenMessage: "only Finance may save a finance draft",
	},
	{
		Action:           models.ActionSubmitToAdmin,
		AllowedRoles:     []models.UserRole{models.RoleFinance},
		From:             []models.WorkflowState{models.StatePendienteFinance, models.StateBorradorFinance},
		To:               models.StatePendienteAdmin,
		ForbiddenMessage: "only Finance may submit to Admin",
	},
	{
		Action:           models.ActionApprove,
		AllowedRoles:     []models.UserRole{models.RoleAdmin},
		From:             []models.WorkflowState{models.StatePendienteAdmin},
		To:               models.StateApproved,
		ForbiddenMessage: "only Admins may approve",
	},
	{
		Action:           models.ActionReject,
		AllowedRoles:     []models.UserRole{models.RoleAdmin},
		From:             []models.WorkflowState{models.StatePendienteAdmin},
		To:               models.StateRejected,
		ForbiddenMessage: "only Admins may reject",
		Precondition:     requireRejectReason,
	},
	{
		Action:           models.ActionExport,
		AllowedRoles:     []models.UserRole{models.RoleAdmin, models.RoleSystem},
		From:             []models.WorkflowState{models.StateApproved},
		To:               models.StateExported,
		ForbiddenMessage: "only Admins may export",
	},
}

// Edges returns the transition table.
func Edges() []Edge {
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// EdgeFor looks up the edge for action.
func EdgeFor(action models.WorkflowAction) (Edge, bool) {
	for _, e := range edges {
		if e.Action == action {
			return e, true
		}
	}
	return Edge{}, false
}

// Allows reports whether role may trigger the edge.
func (e Edge) Allows(role models.UserRole) bool {
	for _, r := range e.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// AcceptsState reports whether the edge may leave state.
func (e Edge) AcceptsState(state models.WorkflowState) bool {
	return containsState(e.From, state)
}

// Decide validates an attempted transition against the current state and rows
// and returns the edge to apply. Checks run in order: role, source state, precondition.
func Decide(action models.WorkflowAction, role models.UserRole, current models.WorkflowState, rows []models.GrdRow, payload Payload) (Edge, error) {
	edge, ok := EdgeFor(action)
	if !ok {
		return Edge{}, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown workflow action %q", action)),
			map[string]interface{}{"action": string(action)},
		)
	}
	if !edge.Allows(role) {
		return Edge{}, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrForbidden, edge.ForbiddenMessage),
			map[string]interface{}{"action": string(action), "allowedRoles": roleNames(edge.AllowedRoles)},
		)
	}
	if !edge.AcceptsState(current) {
		return Edge{}, StateMismatch(edge, current)
	}
	if edge.Precondition != nil {
		if err := edge.Precondition(rows, payload); err != nil {
			return Edge{}, err
		}
	}
	return edge, nil
}

// StateMismatch builds the FailedPrecondition error for an edge attempted from current.
func StateMismatch(edge Edge, current models.WorkflowState) error {
	expected := stateNames(edge.From)
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrPreconditionFailed,
			fmt.Sprintf("%s requires state %s but file is %s", edge.Action, strings.Join(expected, " or "), current)),
		map[string]interface{}{
			"action":         string(edge.Action),
			"expectedStates": expected,
			"currentState":   string(current),
		},
	)
}

func requireATDetalle(rows []models.GrdRow, _ Payload) error {
	var offending []string
	for _, row := range rows {
		if row.AT == nil || !*row.AT {
			continue
		}
		if row.ATDetalle == nil || strings.TrimSpace(*row.ATDetalle) == "" {
			offending = append(offending, row.EpisodeID)
		}
	}
	if len(offending) == 0 {
		return nil
	}
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrValidation, "AT_detalle is required on every episode flagged with AT"),
		map[string]interface{}{
			"missingFields": []string{"AT_detalle (required when AT = true)"},
			"episodes":      offending,
		},
	)
}

func requireRejectReason(_ []models.GrdRow, payload Payload) error {
	if utf8.RuneCountInString(strings.TrimSpace(payload.Reason)) >= MinRejectReasonLength {
		return nil
	}
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("rejection reason must be at least %d characters", MinRejectReasonLength)),
		map[string]interface{}{"missingFields": []string{"reason"}},
	)
}

func stateNames(states []models.WorkflowState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func roleNames(roles []models.UserRole) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
