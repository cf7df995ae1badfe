package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/grd-workflow-api/internal/models"
)

// EpisodeRepository reads and edits individual GRD rows.
type EpisodeRepository struct {
	db *sqlx.DB
}

// NewEpisodeRepository constructs the repository.
func NewEpisodeRepository(db *sqlx.DB) *EpisodeRepository {
	return &EpisodeRepository{db: db}
}

// GetRow fetches a row by episode id.
func (r *EpisodeRepository) GetRow(ctx context.Context, episodeID string) (*models.GrdRow, error) {
	query := `SELECT ` + rowColumns + ` FROM episodios WHERE episode_id = $1`
	var row models.GrdRow
	if err := r.db.GetContext(ctx, &row, query, episodeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return &row, nil
}

// ColumnValue is a single column assignment; Value nil writes NULL.
type ColumnValue struct {
	Column string
	Value  interface{}
}

// UpdateRowParams groups a field edit on one row.
type UpdateRowParams struct {
	EpisodeID     string
	ExpectedState models.WorkflowState
	Values        []ColumnValue
	UpdatedBy     string
	UpdatedAt     time.Time
}

// UpdateFields writes the given columns only while the row is still in ExpectedState.
// Returns sql.ErrNoRows when the row changed state (or vanished) since it was read.
func (r *EpisodeRepository) UpdateFields(ctx context.Context, params UpdateRowParams) error {
	if len(params.Values) == 0 {
		return nil
	}
	args := []interface{}{params.EpisodeID, params.ExpectedState, params.UpdatedBy, params.UpdatedAt}
	setParts := []string{"updated_by = $3", "updated_at = $4"}
	for _, cv := range params.Values {
		args = append(args, cv.Value)
		setParts = append(setParts, fmt.Sprintf("%s = $%d", cv.Column, len(args)))
	}
	query := fmt.Sprintf("UPDATE episodios SET %s WHERE episode_id = $1 AND state = $2", strings.Join(setParts, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update episode fields: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check episode update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
