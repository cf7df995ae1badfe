package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/pkg/database"
)

// fileCreationLockKey is the pg_advisory_xact_lock key that serializes GRD file creation.
const fileCreationLockKey int64 = 0x47524446 // "GRDF"

// singleActiveIndex is the partial unique index allowing one blocking file at a time.
const singleActiveIndex = "grd_files_single_active"

const insertRowBatchSize = 1000

const fileColumns = `f.id, f.state, f.rejection_reason, f.source_filename, f.created_by, f.created_at, f.updated_at, f.exported_at`

const rowColumns = `episode_id, file_id, row_index, state,
	rut, nombre_paciente, fecha_ingreso, fecha_alta, servicio_alta, convenio, grd_codigo, peso_grd, dias_estada, inlier_outlier,
	at, at_detalle,
	estado_rn, monto_at, monto_rn, dias_demora_rescate, pago_demora_rescate, pago_outlier_superior, documentacion, precio_base_tramo, validado,
	updated_by, updated_at`

var (
	// ErrRowsDiverged reports that a file's rows no longer share the state read under lock.
	ErrRowsDiverged = errors.New("grd rows diverged from file state")
	// ErrDuplicateEpisode reports an episode id that already exists.
	ErrDuplicateEpisode = errors.New("episode already exists")
)

// ActiveWorkflowError is returned when a file cannot be created because another file blocks.
// Workflow.FileID is nil when only the unique index caught the race.
type ActiveWorkflowError struct {
	Workflow models.ActiveWorkflow
}

func (e *ActiveWorkflowError) Error() string {
	if e.Workflow.FileID != nil {
		return fmt.Sprintf("grd file %d holds the active workflow", *e.Workflow.FileID)
	}
	return "another grd file holds the active workflow"
}

// StateChange is the outcome decided while the file row is locked.
type StateChange struct {
	To              models.WorkflowState
	RejectionReason *string
}

// TransitionResult summarises an applied transition.
type TransitionResult struct {
	File          models.GrdFile
	PreviousState models.WorkflowState
	CurrentState  models.WorkflowState
	RowsUpdated   int64
}

// TransitionDecider inspects the locked file and its rows and returns the change to apply.
type TransitionDecider func(file *models.GrdFile, rows []models.GrdRow) (*StateChange, error)

// GrdRepository persists GRD files and their rows.
type GrdRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewGrdRepository constructs the repository.
func NewGrdRepository(db *sqlx.DB) *GrdRepository {
	return &GrdRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ApplyTransition locks the file, lets decide inspect it, and moves the file and every
// row to the decided state in one transaction. Returns sql.ErrNoRows when the file or its
// rows do not exist, and ErrRowsDiverged when not every row carried the locked state.
func (r *GrdRepository) ApplyTransition(ctx context.Context, fileID int64, decide TransitionDecider) (result *TransitionResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grd transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var file models.GrdFile
	lockQuery := `SELECT ` + fileColumns + `, 0 AS row_count FROM grd_files f WHERE f.id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &file, lockQuery, fileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock grd file: %w", err)
	}

	// Row locks keep concurrent field edits out until the decision is written.
	var rows []models.GrdRow
	rowsQuery := `SELECT ` + rowColumns + ` FROM episodios WHERE file_id = $1 ORDER BY row_index ASC FOR UPDATE`
	if err = tx.SelectContext(ctx, &rows, rowsQuery, fileID); err != nil {
		return nil, fmt.Errorf("load grd rows: %w", err)
	}
	if len(rows) == 0 {
		err = sql.ErrNoRows
		return nil, err
	}
	file.RowCount = len(rows)

	change, err := decide(&file, rows)
	if err != nil {
		return nil, err
	}

	now := r.now()
	exportedAt := file.ExportedAt
	if change.To == models.StateExported {
		exportedAt = &now
	}
	var reason *string
	if change.To == models.StateRejected {
		reason = change.RejectionReason
	}

	const updateFile = `UPDATE grd_files SET state = $2, rejection_reason = $3, exported_at = $4, updated_at = $5 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, updateFile, fileID, change.To, reason, exportedAt, now); err != nil {
		return nil, fmt.Errorf("update grd file state: %w", err)
	}

	const updateRows = `UPDATE episodios SET state = $2, updated_at = $3 WHERE file_id = $1 AND state = $4`
	res, err := tx.ExecContext(ctx, updateRows, fileID, change.To, now, file.State)
	if err != nil {
		return nil, fmt.Errorf("update grd rows state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check grd rows update: %w", err)
	}
	if affected != int64(len(rows)) {
		err = fmt.Errorf("%w: updated %d of %d rows", ErrRowsDiverged, affected, len(rows))
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grd transition: %w", err)
	}

	previous := file.State
	file.State = change.To
	file.RejectionReason = reason
	file.ExportedAt = exportedAt
	file.UpdatedAt = now
	return &TransitionResult{
		File:          file,
		PreviousState: previous,
		CurrentState:  change.To,
		RowsUpdated:   affected,
	}, nil
}

// FindBlockingFile returns the lowest-id file in a blocking state, or an inactive result.
func (r *GrdRepository) FindBlockingFile(ctx context.Context) (*models.ActiveWorkflow, error) {
	return findBlockingFile(ctx, r.db)
}

func findBlockingFile(ctx context.Context, q sqlx.QueryerContext) (*models.ActiveWorkflow, error) {
	const query = `SELECT f.id AS file_id, f.state,
	(SELECT MIN(e.episode_id) FROM episodios e WHERE e.file_id = f.id) AS episode_sample
FROM grd_files f
WHERE f.state = ANY($1)
ORDER BY f.id ASC
LIMIT 1`
	var found struct {
		FileID        int64                `db:"file_id"`
		State         models.WorkflowState `db:"state"`
		EpisodeSample sql.NullString       `db:"episode_sample"`
	}
	if err := sqlx.GetContext(ctx, q, &found, query, pq.Array(stateStrings(models.BlockingStates()))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.ActiveWorkflow{Active: false}, nil
		}
		return nil, fmt.Errorf("find blocking grd file: %w", err)
	}

	active := &models.ActiveWorkflow{Active: true, FileID: &found.FileID, State: &found.State}
	if found.EpisodeSample.Valid {
		sample := found.EpisodeSample.String
		active.EpisodeSample = &sample
	}
	return active, nil
}

// CreateFileExclusive inserts a new file and its rows while holding the file-creation
// advisory lock, re-checking inside the lock that no other file blocks. The file's ID
// and timestamps are populated on success.
func (r *GrdRepository) CreateFileExclusive(ctx context.Context, file *models.GrdFile, rows []models.GrdRow) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grd file creation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, fileCreationLockKey); err != nil {
		return fmt.Errorf("acquire grd creation lock: %w", err)
	}

	blocking, err := findBlockingFile(ctx, tx)
	if err != nil {
		return err
	}
	if blocking.Active {
		err = &ActiveWorkflowError{Workflow: *blocking}
		return err
	}

	now := r.now()
	file.State = models.StateBorradorEncoder
	file.RejectionReason = nil
	file.CreatedAt = now
	file.UpdatedAt = now

	const insertFile = `INSERT INTO grd_files (state, source_filename, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`
	if err = tx.GetContext(ctx, &file.ID, insertFile, file.State, file.SourceFilename, file.CreatedBy, now, now); err != nil {
		return r.mapCreateError(err)
	}

	for i := range rows {
		rows[i].FileID = file.ID
		rows[i].State = file.State
		rows[i].UpdatedAt = now
	}

	const insertRows = `INSERT INTO episodios (` + rowColumns + `) VALUES (
	:episode_id, :file_id, :row_index, :state,
	:rut, :nombre_paciente, :fecha_ingreso, :fecha_alta, :servicio_alta, :convenio, :grd_codigo, :peso_grd, :dias_estada, :inlier_outlier,
	:at, :at_detalle,
	:estado_rn, :monto_at, :monto_rn, :dias_demora_rescate, :pago_demora_rescate, :pago_outlier_superior, :documentacion, :precio_base_tramo, :validado,
	:updated_by, :updated_at)`
	for start := 0; start < len(rows); start += insertRowBatchSize {
		end := start + insertRowBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if _, err = tx.NamedExecContext(ctx, insertRows, rows[start:end]); err != nil {
			return r.mapCreateError(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit grd file creation: %w", err)
	}
	file.RowCount = len(rows)
	return nil
}

func (r *GrdRepository) mapCreateError(err error) error {
	switch {
	case database.IsUniqueViolation(err, singleActiveIndex):
		return &ActiveWorkflowError{Workflow: models.ActiveWorkflow{Active: true}}
	case database.IsUniqueViolation(err, "episodios_pkey"):
		return fmt.Errorf("%w: %v", ErrDuplicateEpisode, err)
	default:
		return fmt.Errorf("insert grd file: %w", err)
	}
}

// GetFile fetches a file with its row count.
func (r *GrdRepository) GetFile(ctx context.Context, id int64) (*models.GrdFile, error) {
	query := `SELECT ` + fileColumns + `,
	(SELECT COUNT(*) FROM episodios e WHERE e.file_id = f.id) AS row_count
FROM grd_files f WHERE f.id = $1`
	var file models.GrdFile
	if err := r.db.GetContext(ctx, &file, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get grd file: %w", err)
	}
	return &file, nil
}

// ListFiles returns files (newest first) matching the filter together with the total count.
func (r *GrdRepository) ListFiles(ctx context.Context, filter models.GrdFileFilter) ([]models.GrdFile, int, error) {
	where := ""
	args := make([]interface{}, 0, 1)
	if len(filter.States) > 0 {
		args = append(args, pq.Array(stateStrings(filter.States)))
		where = " WHERE f.state = ANY($1)"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + fileColumns + `,
	(SELECT COUNT(*) FROM episodios e WHERE e.file_id = f.id) AS row_count
FROM grd_files f`)
	builder.WriteString(where)
	builder.WriteString(fmt.Sprintf(" ORDER BY f.id DESC LIMIT %d OFFSET %d", pageSize, offset))

	var files []models.GrdFile
	if err := r.db.SelectContext(ctx, &files, builder.String(), args...); err != nil {
		return nil, 0, fmt.Errorf("list grd files: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM grd_files f`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count grd files: %w", err)
	}
	return files, total, nil
}

// ListRows returns the rows of a file in spreadsheet order.
func (r *GrdRepository) ListRows(ctx context.Context, fileID int64) ([]models.GrdRow, error) {
	query := `SELECT ` + rowColumns + ` FROM episodios WHERE file_id = $1 ORDER BY row_index ASC`
	var rows []models.GrdRow
	if err := r.db.SelectContext(ctx, &rows, query, fileID); err != nil {
		return nil, fmt.Errorf("list grd rows: %w", err)
	}
	return rows, nil
}

func stateStrings(states []models.WorkflowState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
