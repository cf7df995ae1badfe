package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/repository"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
	"github.com/noah-isme/grd-workflow-api/pkg/logger"
)

type episodeStore interface {
	GetRow(ctx context.Context, episodeID string) (*models.GrdRow, error)
	UpdateFields(ctx context.Context, params repository.UpdateRowParams) error
}

// EpisodePermissions describes what a role may do with a row right now.
type EpisodePermissions struct {
	EpisodeID      string               `json:"episodeId"`
	State          models.WorkflowState `json:"state"`
	WritableFields []string             `json:"writableFields"`
}

// EpisodeService handles per-row edits under the field-ownership policy.
type EpisodeService struct {
	store  episodeStore
	audit  auditRecorder
	logger *zap.Logger
	now    func() time.Time
}

// NewEpisodeService constructs the service.
func NewEpisodeService(store episodeStore, audit auditRecorder, logger *zap.Logger) *EpisodeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EpisodeService{
		store:  store,
		audit:  audit,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a row by episode id.
func (s *EpisodeService) Get(ctx context.Context, episodeID string) (*models.GrdRow, error) {
	row, err := s.store.GetRow(ctx, episodeID)
	if err != nil {
		return nil, translateStoreError(err, episodeNotFound(episodeID))
	}
	return row, nil
}

// Permissions lists the fields role may currently write on the row.
func (s *EpisodeService) Permissions(ctx context.Context, episodeID string, role models.UserRole) (*EpisodePermissions, error) {
	row, err := s.Get(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	return &EpisodePermissions{
		EpisodeID:      row.EpisodeID,
		State:          row.State,
		WritableFields: workflow.WritableFields(role, row.State),
	}, nil
}

// UpdateFields writes the named fields on one row. Every field must be writable by the
// actor's role in the row's current state, otherwise nothing is written.
func (s *EpisodeService) UpdateFields(ctx context.Context, actor models.Actor, episodeID string, fields map[string]json.RawMessage) (*models.GrdRow, error) {
	if len(fields) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "at least one field is required")
	}

	row, err := s.Get(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var unknown, rejected []string
	for _, name := range names {
		if _, ok := workflow.LookupField(name); !ok {
			unknown = append(unknown, name)
			continue
		}
		if !workflow.CanWrite(actor.Role, row.State, name) {
			rejected = append(rejected, name)
		}
	}
	if len(unknown) > 0 {
		return nil, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrValidation, "unknown fields"),
			map[string]interface{}{"unknownFields": unknown},
		)
	}
	if len(rejected) > 0 {
		return nil, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("role %s may not edit these fields while the file is %s", actor.Role, row.State)),
			map[string]interface{}{"rejectedFields": rejected, "state": string(row.State)},
		)
	}

	updated := *row
	oldValues := make(map[string]interface{}, len(names))
	newValues := make(map[string]interface{}, len(names))
	fieldErrors := map[string]string{}
	var values []repository.ColumnValue
	for _, name := range names {
		field, _ := workflow.LookupField(name)
		value, err := field.Decode(fields[name])
		if err != nil {
			fieldErrors[name] = err.Error()
			continue
		}
		oldValues[name] = field.Value(row)
		if err := field.Assign(&updated, value); err != nil {
			fieldErrors[name] = err.Error()
			continue
		}
		newValues[name] = value
		values = append(values, repository.ColumnValue{Column: field.Column, Value: value})
	}
	if len(fieldErrors) > 0 {
		return nil, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrValidation, "invalid field values"),
			map[string]interface{}{"fieldErrors": fieldErrors},
		)
	}

	now := s.now()
	updatedBy := actor.UserID
	err = s.store.UpdateFields(ctx, repository.UpdateRowParams{
		EpisodeID:     episodeID,
		ExpectedState: row.State,
		Values:        values,
		UpdatedBy:     updatedBy,
		UpdatedAt:     now,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.WithDetails(
				appErrors.Clone(appErrors.ErrConflict, "the episode changed state while it was being edited; reload and retry"),
				map[string]interface{}{"episodeId": episodeID, "expectedState": string(row.State)},
			)
		}
		logger.WithContext(ctx, s.logger).Error("update episode fields failed", zap.String("episode_id", episodeID), zap.Error(err))
		return nil, translateStoreError(err, nil)
	}

	updated.UpdatedBy = &updatedBy
	updated.UpdatedAt = now

	if s.audit != nil {
		s.audit.Record(ctx, newAuditEntry(actor, models.AuditActionEpisodeEdit, auditResourceEpisode, episodeID, oldValues, newValues))
	}
	return &updated, nil
}

func episodeNotFound(episodeID string) *appErrors.Error {
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrNotFound, "episode not found"),
		map[string]interface{}{"episodeId": episodeID},
	)
}
