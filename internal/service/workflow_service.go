package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/repository"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
	"github.com/noah-isme/grd-workflow-api/pkg/logger"
)

type grdTransitionStore interface {
	ApplyTransition(ctx context.Context, fileID int64, decide repository.TransitionDecider) (*repository.TransitionResult, error)
}

// WorkflowService is the single entry point for moving a GRD file between workflow states.
type WorkflowService struct {
	store   grdTransitionStore
	audit   auditRecorder
	metrics *MetricsService
	logger  *zap.Logger
}

// NewWorkflowService constructs the workflow engine.
func NewWorkflowService(store grdTransitionStore, audit auditRecorder, metrics *MetricsService, logger *zap.Logger) *WorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowService{store: store, audit: audit, metrics: metrics, logger: logger}
}

// Transition applies action to the file on behalf of actor. The file and all of its rows
// move together or nothing changes. The file is resolved before the action, so a missing
// file reports NotFound whatever the action.
func (s *WorkflowService) Transition(ctx context.Context, fileID int64, actor models.Actor, action models.WorkflowAction, payload workflow.Payload) (*models.TransitionOutcome, error) {
	log := logger.WithContext(ctx, s.logger).With(
		zap.Int64("file_id", fileID),
		zap.String("action", string(action)),
		zap.String("role", string(actor.Role)),
	)

	start := time.Now()
	result, err := s.store.ApplyTransition(ctx, fileID, func(file *models.GrdFile, rows []models.GrdRow) (*repository.StateChange, error) {
		edge, err := workflow.Decide(action, actor.Role, file.State, rows, payload)
		if err != nil {
			return nil, err
		}
		change := &repository.StateChange{To: edge.To}
		if edge.To == models.StateRejected {
			reason := strings.TrimSpace(payload.Reason)
			change.RejectionReason = &reason
		}
		return change, nil
	})
	s.metrics.ObserveDBQuery("grd_apply_transition", time.Since(start))
	if err != nil {
		mapped := s.mapTransitionError(err, fileID)
		outcome := transitionOutcome(mapped)
		s.metrics.RecordTransition(action, outcome)
		if outcome == OutcomeError || outcome == OutcomeTransient {
			log.Error("workflow transition failed", zap.Error(err))
		} else {
			log.Info("workflow transition refused", zap.String("outcome", outcome), zap.Error(mapped))
		}
		return nil, mapped
	}

	s.metrics.RecordTransition(action, OutcomeApplied)
	log.Info("workflow transition applied",
		zap.String("from", string(result.PreviousState)),
		zap.String("to", string(result.CurrentState)),
		zap.Int64("rows", result.RowsUpdated),
	)

	outcome := &models.TransitionOutcome{
		FileID:          fileID,
		Action:          action,
		PreviousState:   result.PreviousState,
		CurrentState:    result.CurrentState,
		RowsUpdated:     result.RowsUpdated,
		RejectionReason: result.File.RejectionReason,
	}

	if s.audit != nil {
		newValues := map[string]interface{}{"state": result.CurrentState, "action": action, "rows": result.RowsUpdated}
		if outcome.RejectionReason != nil {
			newValues["reason"] = *outcome.RejectionReason
		}
		s.audit.Record(ctx, newAuditEntry(actor, models.AuditActionGrdTransition, auditResourceFile, strconv.FormatInt(fileID, 10),
			map[string]interface{}{"state": result.PreviousState}, newValues))
	}
	return outcome, nil
}

func (s *WorkflowService) mapTransitionError(err error, fileID int64) error {
	if errors.Is(err, repository.ErrRowsDiverged) {
		return appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrConflict, "rows of the grd file changed concurrently; reload and retry"),
			map[string]interface{}{"fileId": fileID},
		)
	}
	return translateStoreError(err, fileNotFound(fileID))
}

func transitionOutcome(err error) string {
	appErr := appErrors.FromError(err)
	switch appErr.Code {
	case appErrors.ErrForbidden.Code:
		return OutcomeForbidden
	case appErrors.ErrPreconditionFailed.Code:
		return OutcomeRejected
	case appErrors.ErrValidation.Code:
		return OutcomeInvalid
	case appErrors.ErrConflict.Code:
		return OutcomeConflict
	case appErrors.ErrTransient.Code:
		return OutcomeTransient
	case appErrors.ErrNotFound.Code:
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}
