package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grd-workflow-api/internal/models"
)

var grdFileMockColumns = []string{"id", "state", "rejection_reason", "source_filename", "created_by", "created_at", "updated_at", "exported_at", "row_count"}

var grdRowMockColumns = []string{
	"episode_id", "file_id", "row_index", "state",
	"rut", "nombre_paciente", "fecha_ingreso", "fecha_alta", "servicio_alta", "convenio", "grd_codigo", "peso_grd", "dias_estada", "inlier_outlier",
	"at", "at_detalle",
	"estado_rn", "monto_at", "monto_rn", "dias_demora_rescate", "pago_demora_rescate", "pago_outlier_superior", "documentacion", "precio_base_tramo", "validado",
	"updated_by", "updated_at",
}

func mockFileRow(id int64, state models.WorkflowState) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(grdFileMockColumns).
		AddRow(id, string(state), nil, "grd_marzo.csv", "encoder-1", now, now, nil, 0)
}

func mockGrdRows(fileID int64, state models.WorkflowState, episodes ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows(grdRowMockColumns)
	for i, ep := range episodes {
		rows.AddRow(ep, fileID, i, string(state),
			"11111111-1", "Paciente", nil, nil, "MEDICINA", "FONASA", "141013", 1.2, int64(4), "inlier",
			true, "stent",
			nil, nil, nil, nil, nil, nil, nil, nil, nil,
			nil, time.Now())
	}
	return rows
}

func TestGrdRepositoryApplyTransitionUpdatesEveryRow(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT f\.id, f\.state.*FROM grd_files f WHERE f\.id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(mockFileRow(7, models.StateBorradorEncoder))
	mock.ExpectQuery(regexp.QuoteMeta("FROM episodios WHERE file_id = $1 ORDER BY row_index ASC FOR UPDATE")).
		WithArgs(int64(7)).
		WillReturnRows(mockGrdRows(7, models.StateBorradorEncoder, "1001", "1002"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE grd_files SET state = $2")).
		WithArgs(int64(7), "pendiente_finance", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE episodios SET state = $2, updated_at = $3 WHERE file_id = $1 AND state = $4")).
		WithArgs(int64(7), "pendiente_finance", sqlmock.AnyArg(), "borrador_encoder").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	var seen []models.GrdRow
	result, err := repo.ApplyTransition(context.Background(), 7, func(file *models.GrdFile, rows []models.GrdRow) (*StateChange, error) {
		seen = rows
		assert.Equal(t, models.StateBorradorEncoder, file.State)
		return &StateChange{To: models.StatePendienteFinance}, nil
	})

	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Equal(t, models.StateBorradorEncoder, result.PreviousState)
	assert.Equal(t, models.StatePendienteFinance, result.CurrentState)
	assert.Equal(t, int64(2), result.RowsUpdated)
	assert.Nil(t, result.File.RejectionReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryApplyTransitionRollsBackOnDivergedRows(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(7)).
		WillReturnRows(mockFileRow(7, models.StatePendienteAdmin))
	mock.ExpectQuery("FROM episodios WHERE file_id").WithArgs(int64(7)).
		WillReturnRows(mockGrdRows(7, models.StatePendienteAdmin, "1001", "1002"))
	mock.ExpectExec("UPDATE grd_files SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE episodios SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	reason := "Missing AT details"
	_, err := repo.ApplyTransition(context.Background(), 7, func(file *models.GrdFile, rows []models.GrdRow) (*StateChange, error) {
		return &StateChange{To: models.StateRejected, RejectionReason: &reason}, nil
	})

	assert.ErrorIs(t, err, ErrRowsDiverged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryApplyTransitionDecisionErrorRollsBack(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(3)).
		WillReturnRows(mockFileRow(3, models.StateApproved))
	mock.ExpectQuery("FROM episodios WHERE file_id").WithArgs(int64(3)).
		WillReturnRows(mockGrdRows(3, models.StateApproved, "2001"))
	mock.ExpectRollback()

	denied := errors.New("denied")
	_, err := repo.ApplyTransition(context.Background(), 3, func(*models.GrdFile, []models.GrdRow) (*StateChange, error) {
		return nil, denied
	})

	assert.ErrorIs(t, err, denied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryApplyTransitionMissingFile(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(99)).WillReturnRows(sqlmock.NewRows(grdFileMockColumns))
	mock.ExpectRollback()

	_, err := repo.ApplyTransition(context.Background(), 99, func(*models.GrdFile, []models.GrdRow) (*StateChange, error) {
		t.Fatal("decider must not run for a missing file")
		return nil, nil
	})

	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryFindBlockingFile(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectQuery(`WHERE f\.state = ANY\(\$1\)\s+ORDER BY f\.id ASC\s+LIMIT 1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "state", "episode_sample"}).AddRow(int64(4), "rejected", "1001"))

	active, err := repo.FindBlockingFile(context.Background())
	require.NoError(t, err)
	require.True(t, active.Active)
	assert.Equal(t, int64(4), *active.FileID)
	assert.Equal(t, "1001", *active.EpisodeSample)
	assert.Equal(t, models.StateRejected, *active.State)

	mock.ExpectQuery("WHERE f.state = ANY").WillReturnRows(sqlmock.NewRows([]string{"file_id", "state", "episode_sample"}))
	active, err = repo.FindBlockingFile(context.Background())
	require.NoError(t, err)
	assert.False(t, active.Active)
	assert.Nil(t, active.FileID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryCreateFileExclusive(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(fileCreationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("WHERE f.state = ANY").WillReturnRows(sqlmock.NewRows([]string{"file_id", "state", "episode_sample"}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO grd_files")).
		WithArgs("borrador_encoder", "grd_marzo.csv", "encoder-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO episodios")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	file := &models.GrdFile{SourceFilename: "grd_marzo.csv", CreatedBy: "encoder-1"}
	rows := []models.GrdRow{{EpisodeID: "1001", RowIndex: 0}, {EpisodeID: "1002", RowIndex: 1}}
	require.NoError(t, repo.CreateFileExclusive(context.Background(), file, rows))

	assert.Equal(t, int64(42), file.ID)
	assert.Equal(t, models.StateBorradorEncoder, file.State)
	assert.Equal(t, 2, file.RowCount)
	for _, row := range rows {
		assert.Equal(t, int64(42), row.FileID)
		assert.Equal(t, models.StateBorradorEncoder, row.State)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryCreateFileExclusiveRefusesWhileBlocked(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("WHERE f.state = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "state", "episode_sample"}).AddRow(int64(5), "pendiente_admin", "3001"))
	mock.ExpectRollback()

	err := repo.CreateFileExclusive(context.Background(), &models.GrdFile{SourceFilename: "b.csv"}, []models.GrdRow{{EpisodeID: "9"}})

	var activeErr *ActiveWorkflowError
	require.ErrorAs(t, err, &activeErr)
	assert.Equal(t, int64(5), *activeErr.Workflow.FileID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryCreateFileExclusiveMapsUniqueIndex(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("WHERE f.state = ANY").WillReturnRows(sqlmock.NewRows([]string{"file_id", "state", "episode_sample"}))
	mock.ExpectQuery("INSERT INTO grd_files").
		WillReturnError(&pq.Error{Code: "23505", Constraint: singleActiveIndex})
	mock.ExpectRollback()

	err := repo.CreateFileExclusive(context.Background(), &models.GrdFile{SourceFilename: "c.csv"}, []models.GrdRow{{EpisodeID: "9"}})

	var activeErr *ActiveWorkflowError
	require.ErrorAs(t, err, &activeErr)
	assert.Nil(t, activeErr.Workflow.FileID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryCreateFileExclusiveDuplicateEpisode(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("WHERE f.state = ANY").WillReturnRows(sqlmock.NewRows([]string{"file_id", "state", "episode_sample"}))
	mock.ExpectQuery("INSERT INTO grd_files").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))
	mock.ExpectExec("INSERT INTO episodios").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "episodios_pkey"})
	mock.ExpectRollback()

	err := repo.CreateFileExclusive(context.Background(), &models.GrdFile{SourceFilename: "d.csv"}, []models.GrdRow{{EpisodeID: "1001"}})

	assert.ErrorIs(t, err, ErrDuplicateEpisode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrdRepositoryListFiles(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGrdRepository(db)

	now := time.Now()
	mock.ExpectQuery(`FROM grd_files f WHERE f\.state = ANY\(\$1\) ORDER BY f\.id DESC LIMIT 10 OFFSET 10`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(grdFileMockColumns).AddRow(int64(2), "approved", nil, "b.csv", "enc", now, now, nil, 12))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM grd_files f WHERE f.state = ANY($1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))

	files, total, err := repo.ListFiles(context.Background(), models.GrdFileFilter{
		States:   []models.WorkflowState{models.StateApproved},
		Page:     2,
		PageSize: 10,
	})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 12, files[0].RowCount)
	assert.Equal(t, 11, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEpisodeRepositoryUpdateFieldsConditionedOnState(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEpisodeRepository(db)

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE episodios SET updated_by = $3, updated_at = $4, at_detalle = $5 WHERE episode_id = $1 AND state = $2")).
		WithArgs("1001", "borrador_encoder", "encoder-1", now, "stent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE episodios SET").WillReturnResult(sqlmock.NewResult(0, 0))

	params := UpdateRowParams{
		EpisodeID:     "1001",
		ExpectedState: models.StateBorradorEncoder,
		Values:        []ColumnValue{{Column: "at_detalle", Value: "stent"}},
		UpdatedBy:     "encoder-1",
		UpdatedAt:     now,
	}
	require.NoError(t, repo.UpdateFields(context.Background(), params))
	assert.ErrorIs(t, repo.UpdateFields(context.Background(), params), sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportRepositoryDeleteByIDs(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewExportRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM grd_exports WHERE id = ANY($1)")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.DeleteByIDs(context.Background(), []string{"a", "b"}))
	require.NoError(t, repo.DeleteByIDs(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
