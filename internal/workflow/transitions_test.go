package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
)

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func TestDecideHappyPath(t *testing.T) {
	cases := []struct {
		action models.WorkflowAction
		role   models.UserRole
		from   models.WorkflowState
		to     models.WorkflowState
	}{
		{models.ActionSubmitToFinance, models.RoleEncoder, models.StateBorradorEncoder, models.StatePendienteFinance},
		{models.ActionSubmitToFinance, models.RoleEncoder, models.StateRejected, models.StatePendienteFinance},
		{models.ActionSaveFinanceDraft, models.RoleFinance, models.StatePendienteFinance, models.StateBorradorFinance},
		{models.ActionSubmitToAdmin, models.RoleFinance, models.StateBorradorFinance, models.StatePendienteAdmin},
		{models.ActionSubmitToAdmin, models.RoleFinance, models.StatePendienteFinance, models.StatePendienteAdmin},
		{models.ActionApprove, models.RoleAdmin, models.StatePendienteAdmin, models.StateApproved},
		{models.ActionExport, models.RoleAdmin, models.StateApproved, models.StateExported},
		{models.ActionExport, models.RoleSystem, models.StateApproved, models.StateExported},
	}

	for _, tc := range cases {
		edge, err := Decide(tc.action, tc.role, tc.from, []models.GrdRow{{EpisodeID: "1001"}}, Payload{})
		require.NoErrorf(t, err, "%s from %s", tc.action, tc.from)
		assert.Equal(t, tc.to, edge.To)
	}
}

func TestDecideForbiddenNamesRequiredRole(t *testing.T) {
	_, err := Decide(models.ActionSubmitToFinance, models.RoleFinance, models.StateBorradorEncoder, nil, Payload{})

	require.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Equal(t, "only Encoders may submit to Finance", appErrors.FromError(err).Message)
}

func TestDecideRoleCheckedBeforeState(t *testing.T) {
	_, err := Decide(models.ActionApprove, models.RoleEncoder, models.StateBorradorEncoder, nil, Payload{})

	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestDecideStateMismatchCarriesDetails(t *testing.T) {
	_, err := Decide(models.ActionSubmitToAdmin, models.RoleFinance, models.StateBorradorEncoder, nil, Payload{})

	require.ErrorIs(t, err, appErrors.ErrPreconditionFailed)
	details := appErrors.FromError(err).Details
	assert.Equal(t, []string{"pendiente_finance", "borrador_finance"}, details["expectedStates"])
	assert.Equal(t, "borrador_encoder", details["currentState"])
}

func TestExportedHasNoOutgoingEdges(t *testing.T) {
	roles := []models.UserRole{models.RoleEncoder, models.RoleFinance, models.RoleAdmin, models.RoleSystem}
	for _, edge := range Edges() {
		for _, role := range roles {
			_, err := Decide(edge.Action, role, models.StateExported, nil, Payload{Reason: strings.Repeat("x", 20)})
			assert.Error(t, err)
		}
	}
}

func TestSubmitToFinanceRequiresATDetalle(t *testing.T) {
	rows := []models.GrdRow{
		{EpisodeID: "1001", AT: boolPtr(true)},
		{EpisodeID: "1002", AT: boolPtr(false)},
		{EpisodeID: "1003", AT: boolPtr(true), ATDetalle: strPtr("   ")},
		{EpisodeID: "1004"},
	}

	_, err := Decide(models.ActionSubmitToFinance, models.RoleEncoder, models.StateBorradorEncoder, rows, Payload{})

	require.ErrorIs(t, err, appErrors.ErrValidation)
	details := appErrors.FromError(err).Details
	assert.Equal(t, []string{"AT_detalle (required when AT = true)"}, details["missingFields"])
	assert.Equal(t, []string{"1001", "1003"}, details["episodes"])

	rows[0].AT = boolPtr(false)
	rows[2].ATDetalle = strPtr("angioplastia")
	_, err = Decide(models.ActionSubmitToFinance, models.RoleEncoder, models.StateBorradorEncoder, rows, Payload{})
	assert.NoError(t, err)
}

func TestRejectReasonBoundary(t *testing.T) {
	_, err := Decide(models.ActionReject, models.RoleAdmin, models.StatePendienteAdmin, nil, Payload{Reason: "  123456789  "})
	require.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Equal(t, []string{"reason"}, appErrors.FromError(err).Details["missingFields"])

	edge, err := Decide(models.ActionReject, models.RoleAdmin, models.StatePendienteAdmin, nil, Payload{Reason: " 1234567890 "})
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, edge.To)
}

func TestDecideUnknownAction(t *testing.T) {
	_, err := Decide("archive", models.RoleAdmin, models.StateApproved, nil, Payload{})

	assert.ErrorIs(t, err, appErrors.ErrValidation)
}
