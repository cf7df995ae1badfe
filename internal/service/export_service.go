package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
	"github.com/noah-isme/grd-workflow-api/pkg/export"
	"github.com/noah-isme/grd-workflow-api/pkg/logger"
	"github.com/noah-isme/grd-workflow-api/pkg/storage"
)

const episodeHeader = "episodio"

type exportFileReader interface {
	GetFile(ctx context.Context, id int64) (*models.GrdFile, error)
	ListRows(ctx context.Context, fileID int64) ([]models.GrdRow, error)
}

type exportArtifactStore interface {
	Create(ctx context.Context, artifact *models.ExportArtifact) error
	GetByID(ctx context.Context, id string) (*models.ExportArtifact, error)
	ListByFile(ctx context.Context, fileID int64) ([]models.ExportArtifact, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

type exportTransitioner interface {
	Transition(ctx context.Context, fileID int64, actor models.Actor, action models.WorkflowAction, payload workflow.Payload) (*models.TransitionOutcome, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	CacheTTL  time.Duration
}

// ArtifactLink is an export artifact with a short-lived download link.
type ArtifactLink struct {
	models.ExportArtifact
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExportResult is returned after a file has been exported.
type ExportResult struct {
	Transition *models.TransitionOutcome `json:"transition"`
	Artifacts  []ArtifactLink            `json:"artifacts"`
}

// ExportService renders approved GRD files and performs the export transition.
type ExportService struct {
	files     exportFileReader
	artifacts exportArtifactStore
	engine    exportTransitioner
	storage   fileStorage
	signer    *storage.SignedURLSigner
	cache     *CacheService
	audit     auditRecorder
	csv       csvRenderer
	pdf       pdfRenderer
	logger    *zap.Logger
	cfg       ExportConfig
	now       func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(files exportFileReader, artifacts exportArtifactStore, engine exportTransitioner, store fileStorage, signer *storage.SignedURLSigner, cache *CacheService, audit auditRecorder, cfg ExportConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &ExportService{
		files:     files,
		artifacts: artifacts,
		engine:    engine,
		storage:   store,
		signer:    signer,
		cache:     cache,
		audit:     audit,
		csv:       export.NewCSVExporterWithDelimiter(';'),
		pdf:       export.NewPDFExporter(),
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Export renders the approved file as CSV and PDF, stores both, and moves the file to
// exported. If the transition loses a race the rendered artifacts are removed again.
func (s *ExportService) Export(ctx context.Context, actor models.Actor, fileID int64) (*ExportResult, error) {
	edge, _ := workflow.EdgeFor(models.ActionExport)
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrForbidden, edge.ForbiddenMessage),
			map[string]interface{}{"action": string(models.ActionExport)},
		)
	}
	log := logger.WithContext(ctx, s.logger).With(zap.Int64("file_id", fileID))

	file, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, translateStoreError(err, fileNotFound(fileID))
	}
	if !edge.AcceptsState(file.State) {
		return nil, workflow.StateMismatch(edge, file.State)
	}

	rows, err := s.files.ListRows(ctx, fileID)
	if err != nil {
		return nil, translateStoreError(err, nil)
	}
	dataset := BuildDataset(file, rows, s.now())
	title := fmt.Sprintf("GRD %d", fileID)

	var csvBytes, pdfBytes []byte
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		csvBytes, err = s.csv.Render(dataset)
		return err
	})
	g.Go(func() error {
		var err error
		pdfBytes, err = s.pdf.Render(dataset, title)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("render export failed", zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	stamp := s.now().Format("20060102T150405")
	var stored []models.ExportArtifact
	for _, out := range []struct {
		format models.ExportFormat
		data   []byte
	}{
		{models.ExportFormatCSV, csvBytes},
		{models.ExportFormatPDF, pdfBytes},
	} {
		artifact, err := s.store(ctx, actor, fileID, stamp, out.format, out.data)
		if err != nil {
			s.discard(ctx, stored)
			log.Error("store export artifact failed", zap.String("format", string(out.format)), zap.Error(err))
			return nil, translateStoreError(err, nil)
		}
		stored = append(stored, *artifact)
	}

	transition, err := s.engine.Transition(ctx, fileID, models.Actor{UserID: actor.UserID, Role: models.RoleSystem}, models.ActionExport, workflow.Payload{})
	if err != nil {
		s.discard(ctx, stored)
		log.Info("export transition refused, artifacts discarded", zap.Error(err))
		return nil, err
	}

	s.cache.Set(ctx, datasetCacheKey(fileID), dataset, s.cfg.CacheTTL)
	s.cache.Invalidate(ctx, artifactsCacheKey(fileID))

	links, err := s.sign(stored)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		ids := make([]string, len(stored))
		for i, a := range stored {
			ids[i] = a.ID
		}
		s.audit.Record(ctx, newAuditEntry(actor, models.AuditActionGrdExport, auditResourceFile, strconv.FormatInt(fileID, 10), nil,
			map[string]interface{}{"artifacts": ids, "rows": len(rows)}))
	}
	log.Info("grd file exported", zap.Int("rows", len(rows)), zap.Int("artifacts", len(stored)))
	return &ExportResult{Transition: transition, Artifacts: links}, nil
}

func (s *ExportService) store(ctx context.Context, actor models.Actor, fileID int64, stamp string, format models.ExportFormat, data []byte) (*models.ExportArtifact, error) {
	id := uuid.NewString()
	name := fmt.Sprintf("grd/%d/%s_%s.%s", fileID, stamp, id[:8], format)
	relPath, err := s.storage.Save(name, data)
	if err != nil {
		return nil, err
	}
	artifact := &models.ExportArtifact{
		ID:        id,
		FileID:    fileID,
		Format:    format,
		Path:      relPath,
		SizeBytes: int64(len(data)),
		CreatedBy: actor.UserID,
		CreatedAt: s.now(),
	}
	if err := s.artifacts.Create(ctx, artifact); err != nil {
		_ = s.storage.Delete(relPath)
		return nil, err
	}
	return artifact, nil
}

// discard removes artifacts of a failed export. Failures are logged only.
func (s *ExportService) discard(ctx context.Context, artifacts []models.ExportArtifact) {
	if len(artifacts) == 0 {
		return
	}
	ids := make([]string, len(artifacts))
	for i, a := range artifacts {
		ids[i] = a.ID
		if err := s.storage.Delete(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("delete export file failed", zap.String("path", a.Path), zap.Error(err))
		}
	}
	if err := s.artifacts.DeleteByIDs(context.WithoutCancel(ctx), ids); err != nil {
		s.logger.Warn("delete export records failed", zap.Strings("ids", ids), zap.Error(err))
	}
}

// ListArtifacts returns the stored exports of a file with fresh download links.
func (s *ExportService) ListArtifacts(ctx context.Context, fileID int64) ([]ArtifactLink, error) {
	file, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, translateStoreError(err, fileNotFound(fileID))
	}
	if file.State != models.StateApproved && file.State != models.StateExported {
		return nil, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrPreconditionFailed, "exports exist only for approved or exported files"),
			map[string]interface{}{
				"expectedStates": []string{string(models.StateApproved), string(models.StateExported)},
				"currentState":   string(file.State),
			},
		)
	}

	var cached []cachedArtifact
	if s.cache.Get(ctx, artifactsCacheKey(fileID), &cached) {
		artifacts := make([]models.ExportArtifact, len(cached))
		for i, c := range cached {
			artifacts[i] = c.ExportArtifact
			artifacts[i].Path = c.StoredPath
		}
		return s.sign(artifacts)
	}

	artifacts, err := s.artifacts.ListByFile(ctx, fileID)
	if err != nil {
		return nil, translateStoreError(err, nil)
	}
	if file.State == models.StateExported {
		cached = make([]cachedArtifact, len(artifacts))
		for i, a := range artifacts {
			cached[i] = cachedArtifact{ExportArtifact: a, StoredPath: a.Path}
		}
		s.cache.Set(ctx, artifactsCacheKey(fileID), cached, s.cfg.CacheTTL)
	}
	return s.sign(artifacts)
}

// cachedArtifact keeps the storage path, which the API representation hides.
type cachedArtifact struct {
	models.ExportArtifact
	StoredPath string `json:"storedPath"`
}

// Dataset returns the exported content of a file and whether it came from cache.
// Exported files are immutable so the dataset is cached once built.
func (s *ExportService) Dataset(ctx context.Context, fileID int64) (*export.Dataset, bool, error) {
	var cached export.Dataset
	if s.cache.Get(ctx, datasetCacheKey(fileID), &cached) {
		return &cached, true, nil
	}

	file, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, false, translateStoreError(err, fileNotFound(fileID))
	}
	if file.State != models.StateExported {
		return nil, false, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrPreconditionFailed, "dataset is available once the file is exported"),
			map[string]interface{}{
				"expectedStates": []string{string(models.StateExported)},
				"currentState":   string(file.State),
			},
		)
	}
	rows, err := s.files.ListRows(ctx, fileID)
	if err != nil {
		return nil, false, translateStoreError(err, nil)
	}
	ts := s.now()
	if file.ExportedAt != nil {
		ts = *file.ExportedAt
	}
	dataset := BuildDataset(file, rows, ts)
	s.cache.Set(ctx, datasetCacheKey(fileID), dataset, s.cfg.CacheTTL)
	return &dataset, false, nil
}

// Download resolves a signed token to the stored artifact.
func (s *ExportService) Download(ctx context.Context, token string) (*models.ExportArtifact, io.ReadCloser, error) {
	artifactID, relPath, _, err := s.signer.Parse(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid download link")
	}

	artifact, err := s.artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return nil, nil, translateStoreError(err, appErrors.Clone(appErrors.ErrNotFound, "export not found"))
	}
	if artifact.Path != relPath {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid download link")
	}
	f, err := s.storage.Open(relPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "export file missing")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export")
	}
	return artifact, f, nil
}

func (s *ExportService) sign(artifacts []models.ExportArtifact) ([]ArtifactLink, error) {
	links := make([]ArtifactLink, 0, len(artifacts))
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	for _, a := range artifacts {
		token, expiresAt, err := s.signer.Generate(a.ID, a.Path)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
		}
		links = append(links, ArtifactLink{
			ExportArtifact: a,
			URL:            fmt.Sprintf("%s/exports/%s", prefix, token),
			ExpiresAt:      expiresAt,
		})
	}
	return links, nil
}

// BuildDataset lays out a file's rows with one column per catalogue field.
func BuildDataset(file *models.GrdFile, rows []models.GrdRow, generatedAt time.Time) export.Dataset {
	fields := workflow.Fields()
	headers := make([]string, 0, len(fields)+1)
	headers = append(headers, episodeHeader)
	for _, f := range fields {
		headers = append(headers, f.Name)
	}

	records := make([]map[string]string, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		record := make(map[string]string, len(headers))
		record[episodeHeader] = row.EpisodeID
		for _, f := range fields {
			record[f.Name] = f.Format(row)
		}
		records = append(records, record)
	}

	return export.Dataset{
		Headers: headers,
		Rows:    records,
		Caption: fmt.Sprintf("Archivo %s · %d episodios · generado %s", file.SourceFilename, len(rows), generatedAt.Format("2006-01-02 15:04 MST")),
	}
}
