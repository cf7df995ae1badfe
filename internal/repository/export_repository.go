package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/grd-workflow-api/internal/models"
)

// ExportRepository persists rendered export artifacts.
type ExportRepository struct {
	db *sqlx.DB
}

// NewExportRepository constructs the repository.
func NewExportRepository(db *sqlx.DB) *ExportRepository {
	return &ExportRepository{db: db}
}

// Create inserts an artifact row with generated defaults.
func (r *ExportRepository) Create(ctx context.Context, artifact *models.ExportArtifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO grd_exports (id, file_id, format, path, size_bytes, created_by, created_at)
VALUES (:id, :file_id, :format, :path, :size_bytes, :created_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, artifact); err != nil {
		return fmt.Errorf("create export artifact: %w", err)
	}
	return nil
}

// GetByID returns an artifact by identifier.
func (r *ExportRepository) GetByID(ctx context.Context, id string) (*models.ExportArtifact, error) {
	const query = `SELECT id, file_id, format, path, size_bytes, created_by, created_at FROM grd_exports WHERE id = $1`
	var artifact models.ExportArtifact
	if err := r.db.GetContext(ctx, &artifact, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get export artifact: %w", err)
	}
	return &artifact, nil
}

// ListByFile returns the artifacts of a file, newest first.
func (r *ExportRepository) ListByFile(ctx context.Context, fileID int64) ([]models.ExportArtifact, error) {
	const query = `SELECT id, file_id, format, path, size_bytes, created_by, created_at
FROM grd_exports WHERE file_id = $1 ORDER BY created_at DESC, format ASC`
	var artifacts []models.ExportArtifact
	if err := r.db.SelectContext(ctx, &artifacts, query, fileID); err != nil {
		return nil, fmt.Errorf("list export artifacts: %w", err)
	}
	return artifacts, nil
}

// DeleteByIDs removes artifact rows, used when an export loses a concurrent race.
func (r *ExportRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM grd_exports WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete export artifacts: %w", err)
	}
	return nil
}
