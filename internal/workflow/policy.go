package workflow

import "github.com/noah-isme/grd-workflow-api/internal/models"

var (
	encoderWritableStates = []models.WorkflowState{models.StateBorradorEncoder, models.StateRejected}
	financeWritableStates = []models.WorkflowState{models.StatePendienteFinance, models.StateBorradorFinance}
)

// CanWrite reports whether role may write the named row field while the file is in state.
// Locked and unknown fields are never writable, and admins have no writable class.
func CanWrite(role models.UserRole, state models.WorkflowState, name string) bool {
	f, ok := LookupField(name)
	if !ok || f.Origin == OriginLocked {
		return false
	}
	switch role {
	case models.RoleEncoder:
		return f.Origin == OriginEncoder && containsState(encoderWritableStates, state)
	case models.RoleFinance:
		return f.Origin == OriginFinance && containsState(financeWritableStates, state)
	default:
		return false
	}
}

// WritableFields lists the field names role may write in state, in catalogue order.
func WritableFields(role models.UserRole, state models.WorkflowState) []string {
	names := make([]string, 0)
	for _, f := range catalogue {
		if CanWrite(role, state, f.Name) {
			names = append(names, f.Name)
		}
	}
	return names
}

func containsState(states []models.WorkflowState, state models.WorkflowState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
