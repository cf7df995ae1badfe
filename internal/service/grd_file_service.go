package service

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
)

type grdFileReader interface {
	GetFile(ctx context.Context, id int64) (*models.GrdFile, error)
	ListFiles(ctx context.Context, filter models.GrdFileFilter) ([]models.GrdFile, int, error)
	ListRows(ctx context.Context, fileID int64) ([]models.GrdRow, error)
}

type auditHistoryReader interface {
	ListByResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

const historyLimit = 200

// FilePermissions tells a client what the caller's role can do with a file right now.
type FilePermissions struct {
	FileID           int64                   `json:"fileId"`
	State            models.WorkflowState    `json:"state"`
	Role             models.UserRole         `json:"role"`
	WritableFields   []string                `json:"writableFields"`
	AvailableActions []models.WorkflowAction `json:"availableActions"`
}

// GrdFileService serves read access to GRD files and their rows.
type GrdFileService struct {
	store   grdFileReader
	history auditHistoryReader
	logger  *zap.Logger
}

// NewGrdFileService constructs the service. history may be nil.
func NewGrdFileService(store grdFileReader, history auditHistoryReader, logger *zap.Logger) *GrdFileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GrdFileService{store: store, history: history, logger: logger}
}

// List returns files newest first.
func (s *GrdFileService) List(ctx context.Context, filter models.GrdFileFilter) ([]models.GrdFile, *models.Pagination, error) {
	for _, state := range filter.States {
		if !state.Valid() {
			return nil, nil, appErrors.WithDetails(
				appErrors.Clone(appErrors.ErrValidation, "unknown workflow state"),
				map[string]interface{}{"state": string(state)},
			)
		}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	files, total, err := s.store.ListFiles(ctx, filter)
	if err != nil {
		return nil, nil, translateStoreError(err, nil)
	}
	if files == nil {
		files = []models.GrdFile{}
	}
	return files, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Get returns a single file.
func (s *GrdFileService) Get(ctx context.Context, fileID int64) (*models.GrdFile, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, translateStoreError(err, fileNotFound(fileID))
	}
	return file, nil
}

// Rows returns the rows of a file in spreadsheet order.
func (s *GrdFileService) Rows(ctx context.Context, fileID int64) ([]models.GrdRow, error) {
	if _, err := s.Get(ctx, fileID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListRows(ctx, fileID)
	if err != nil {
		return nil, translateStoreError(err, nil)
	}
	if rows == nil {
		rows = []models.GrdRow{}
	}
	return rows, nil
}

// Permissions reports the writable fields and the actions role may attempt on the file.
// Preconditions are not evaluated; an offered action can still fail on submit.
func (s *GrdFileService) Permissions(ctx context.Context, fileID int64, role models.UserRole) (*FilePermissions, error) {
	file, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	actions := []models.WorkflowAction{}
	for _, edge := range workflow.Edges() {
		if edge.Allows(role) && edge.AcceptsState(file.State) {
			actions = append(actions, edge.Action)
		}
	}
	return &FilePermissions{
		FileID:           file.ID,
		State:            file.State,
		Role:             role,
		WritableFields:   workflow.WritableFields(role, file.State),
		AvailableActions: actions,
	}, nil
}

// History returns the audit trail of a file, oldest first.
func (s *GrdFileService) History(ctx context.Context, fileID int64) ([]models.AuditLog, error) {
	if _, err := s.Get(ctx, fileID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []models.AuditLog{}, nil
	}
	logs, err := s.history.ListByResource(ctx, auditResourceFile, strconv.FormatInt(fileID, 10), historyLimit)
	if err != nil {
		return nil, translateStoreError(err, nil)
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	return logs, nil
}
