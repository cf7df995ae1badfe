package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
	"github.com/noah-isme/grd-workflow-api/pkg/logger"
)

const maxReportedLineErrors = 20

var episodeHeaders = map[string]struct{}{
	"episodio":    {},
	"episode_id":  {},
	"id_episodio": {},
}

type fileCreator interface {
	AssertNoActiveWorkflow(ctx context.Context) error
	CreateFile(ctx context.Context, actor models.Actor, file *models.GrdFile, rows []models.GrdRow) (*models.GrdFile, error)
}

// IngestionConfig bounds a single upload.
type IngestionConfig struct {
	MaxUploadBytes int64
	MaxRows        int
}

// UploadRequest describes an uploaded spreadsheet.
type UploadRequest struct {
	Filename string `validate:"required,max=255"`
	Size     int64  `validate:"gte=0"`
}

// IngestionResult is returned after a successful upload.
type IngestionResult struct {
	File           *models.GrdFile `json:"file"`
	IgnoredColumns []string        `json:"ignoredColumns"`
}

// IngestionService turns an uploaded CSV into a new GRD file in borrador_encoder.
type IngestionService struct {
	guard     fileCreator
	validator *validator.Validate
	config    IngestionConfig
	logger    *zap.Logger
}

// NewIngestionService constructs the service.
func NewIngestionService(guard fileCreator, validate *validator.Validate, cfg IngestionConfig, logger *zap.Logger) *IngestionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 5000
	}
	return &IngestionService{guard: guard, validator: validate, config: cfg, logger: logger}
}

// Ingest parses body and creates the file through the active-workflow guard.
func (s *IngestionService) Ingest(ctx context.Context, actor models.Actor, req UploadRequest, body io.Reader) (*IngestionResult, error) {
	if actor.Role != models.RoleEncoder && actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only Encoders or Admins may upload grd files")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid upload")
	}
	if req.Size > s.config.MaxUploadBytes {
		return nil, s.tooLarge()
	}

	// Cheap rejection before parsing; the guard re-checks under its lock.
	if err := s.guard.AssertNoActiveWorkflow(ctx); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(body, s.config.MaxUploadBytes+1))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "could not read upload")
	}
	if int64(len(raw)) > s.config.MaxUploadBytes {
		return nil, s.tooLarge()
	}

	rows, ignored, err := s.parse(raw)
	if err != nil {
		return nil, err
	}

	file, err := s.guard.CreateFile(ctx, actor, &models.GrdFile{SourceFilename: req.Filename}, rows)
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx, s.logger).Info("grd upload ingested",
		zap.Int64("file_id", file.ID),
		zap.Int("rows", len(rows)),
		zap.Strings("ignored_columns", ignored),
	)
	return &IngestionResult{File: file, IgnoredColumns: ignored}, nil
}

func (s *IngestionService) tooLarge() error {
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrValidation, "upload exceeds the maximum size"),
		map[string]interface{}{"maxBytes": s.config.MaxUploadBytes},
	)
}

type columnBinding struct {
	index int
	field workflow.Field
}

func (s *IngestionService) parse(raw []byte) ([]models.GrdRow, []string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.Comma = sniffDelimiter(raw)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, "upload is empty")
		}
		return nil, nil, invalidUpload([]string{err.Error()})
	}

	episodeIdx := -1
	var bindings []columnBinding
	ignored := []string{}
	for i, name := range header {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if _, ok := episodeHeaders[normalized]; ok && episodeIdx < 0 {
			episodeIdx = i
			continue
		}
		if field, ok := lookupLockedField(normalized); ok {
			bindings = append(bindings, columnBinding{index: i, field: field})
			continue
		}
		if strings.TrimSpace(name) != "" {
			ignored = append(ignored, strings.TrimSpace(name))
		}
	}
	if episodeIdx < 0 {
		return nil, nil, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrValidation, "upload has no episodio column"),
			map[string]interface{}{"missingFields": []string{"episodio"}},
		)
	}

	var (
		rows     []models.GrdRow
		problems []string
		seen     = map[string]int{}
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			problems = append(problems, err.Error())
			break
		}
		line, _ := reader.FieldPos(0)
		if blankRecord(record) {
			continue
		}
		if len(rows) >= s.config.MaxRows {
			return nil, nil, appErrors.WithDetails(
				appErrors.Clone(appErrors.ErrValidation, "upload has too many rows"),
				map[string]interface{}{"maxRows": s.config.MaxRows},
			)
		}

		episodeID := strings.TrimSpace(record[episodeIdx])
		if episodeID == "" {
			problems = append(problems, fmt.Sprintf("line %d: episodio is empty", line))
			continue
		}
		if first, dup := seen[episodeID]; dup {
			problems = append(problems, fmt.Sprintf("line %d: episodio %s repeats line %d", line, episodeID, first))
			continue
		}
		seen[episodeID] = line

		row := models.GrdRow{EpisodeID: episodeID, RowIndex: len(rows)}
		for _, b := range bindings {
			value, err := b.field.Parse(record[b.index])
			if err == nil {
				err = b.field.Assign(&row, value)
			}
			if err != nil {
				problems = append(problems, fmt.Sprintf("line %d: %v", line, err))
			}
		}
		rows = append(rows, row)
		if len(problems) >= maxReportedLineErrors {
			break
		}
	}

	if len(problems) > 0 {
		return nil, nil, invalidUpload(problems)
	}
	if len(rows) == 0 {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "upload contains no episodes")
	}
	return rows, ignored, nil
}

// lookupLockedField matches a header to a locked catalogue field. Encoder and finance
// columns are filled through the workflow, never by ingestion.
func lookupLockedField(header string) (workflow.Field, bool) {
	for _, f := range workflow.FieldsByOrigin(workflow.OriginLocked) {
		if strings.EqualFold(f.Name, header) {
			return f, true
		}
	}
	return workflow.Field{}, false
}

func sniffDelimiter(raw []byte) rune {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		return ','
	}
	first := scanner.Text()
	if strings.Count(first, ";") > strings.Count(first, ",") {
		return ';'
	}
	return ','
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func invalidUpload(problems []string) error {
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrValidation, "upload contains invalid rows"),
		map[string]interface{}{"lines": problems},
	)
}
