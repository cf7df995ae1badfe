package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/repository"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
	"github.com/noah-isme/grd-workflow-api/pkg/logger"
)

type activeWorkflowStore interface {
	FindBlockingFile(ctx context.Context) (*models.ActiveWorkflow, error)
	CreateFileExclusive(ctx context.Context, file *models.GrdFile, rows []models.GrdRow) error
}

// ActiveWorkflowService enforces that at most one GRD file is in flight at a time.
type ActiveWorkflowService struct {
	store   activeWorkflowStore
	audit   auditRecorder
	metrics *MetricsService
	logger  *zap.Logger
}

// NewActiveWorkflowService constructs the guard.
func NewActiveWorkflowService(store activeWorkflowStore, audit auditRecorder, metrics *MetricsService, logger *zap.Logger) *ActiveWorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActiveWorkflowService{store: store, audit: audit, metrics: metrics, logger: logger}
}

// HasActiveWorkflow reports the blocking file, if any.
func (s *ActiveWorkflowService) HasActiveWorkflow(ctx context.Context) (*models.ActiveWorkflow, error) {
	active, err := s.store.FindBlockingFile(ctx)
	if err != nil {
		return nil, translateStoreError(err, nil)
	}
	return active, nil
}

// AssertNoActiveWorkflow fails with a conflict when a file is still in flight.
func (s *ActiveWorkflowService) AssertNoActiveWorkflow(ctx context.Context) error {
	active, err := s.HasActiveWorkflow(ctx)
	if err != nil {
		return err
	}
	if active.Active {
		return s.conflict(*active)
	}
	return nil
}

// CreateFile persists a new file and its rows in borrador_encoder. The store checks for a
// blocking file and inserts under one lock, so two concurrent uploads cannot both succeed.
func (s *ActiveWorkflowService) CreateFile(ctx context.Context, actor models.Actor, file *models.GrdFile, rows []models.GrdRow) (*models.GrdFile, error) {
	if file == nil || len(rows) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a grd file needs at least one episode")
	}
	file.State = models.StateBorradorEncoder
	file.CreatedBy = actor.UserID
	file.RowCount = len(rows)

	start := time.Now()
	err := s.store.CreateFileExclusive(ctx, file, rows)
	s.metrics.ObserveDBQuery("grd_create_file", time.Since(start))
	if err != nil {
		var active *repository.ActiveWorkflowError
		switch {
		case errors.As(err, &active):
			workflow := active.Workflow
			if workflow.FileID == nil {
				if current, lookupErr := s.store.FindBlockingFile(ctx); lookupErr == nil && current.Active {
					workflow = *current
				}
			}
			workflow.Active = true
			return nil, s.conflict(workflow)
		case errors.Is(err, repository.ErrDuplicateEpisode):
			return nil, appErrors.Clone(appErrors.ErrConflict, "an episode in the upload already belongs to another grd file")
		default:
			logger.WithContext(ctx, s.logger).Error("create grd file failed", zap.Error(err))
			return nil, translateStoreError(err, nil)
		}
	}

	logger.WithContext(ctx, s.logger).Info("grd file created",
		zap.Int64("file_id", file.ID),
		zap.Int("rows", len(rows)),
		zap.String("source", file.SourceFilename),
	)
	if s.audit != nil {
		s.audit.Record(ctx, newAuditEntry(actor, models.AuditActionGrdUpload, auditResourceFile, strconv.FormatInt(file.ID, 10), nil,
			map[string]interface{}{"state": file.State, "rows": len(rows), "sourceFilename": file.SourceFilename}))
	}
	return file, nil
}

func (s *ActiveWorkflowService) conflict(active models.ActiveWorkflow) error {
	s.metrics.RecordActiveWorkflowConflict()

	details := map[string]interface{}{}
	message := "another grd file is still in progress; finish or export it before uploading a new one"
	if active.FileID != nil {
		details["fileId"] = *active.FileID
		message = fmt.Sprintf("grd file %d is still in progress; finish or export it before uploading a new one", *active.FileID)
	}
	if active.EpisodeSample != nil {
		details["episodeSample"] = *active.EpisodeSample
	}
	if active.State != nil {
		details["state"] = string(*active.State)
	}
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrConflict, message), details)
}
