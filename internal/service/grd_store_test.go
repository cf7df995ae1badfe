package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/repository"
	"github.com/noah-isme/grd-workflow-api/internal/workflow"
)

// memoryGrdStore is a single-lock in-memory stand-in for the Postgres repositories.
// Holding the mutex for a whole operation gives it the same serialisation the database
// gets from FOR UPDATE and the creation advisory lock.
type memoryGrdStore struct {
	mu     sync.Mutex
	nextID int64
	files  map[int64]*models.GrdFile
	rows   map[int64][]models.GrdRow

	applyErr    error
	divergeNext bool
	createDelay time.Duration
	scans       int
}

func newMemoryGrdStore() *memoryGrdStore {
	return &memoryGrdStore{
		nextID: 1,
		files:  map[int64]*models.GrdFile{},
		rows:   map[int64][]models.GrdRow{},
	}
}

// seed inserts a file directly in state with the given rows.
func (m *memoryGrdStore) seed(state models.WorkflowState, rows ...models.GrdRow) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.files[id] = &models.GrdFile{ID: id, State: state, SourceFilename: "seed.csv", RowCount: len(rows)}
	for i := range rows {
		rows[i].FileID = id
		rows[i].RowIndex = i
		rows[i].State = state
	}
	m.rows[id] = rows
	return id
}

func (m *memoryGrdStore) state(fileID int64) models.WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[fileID].State
}

func (m *memoryGrdStore) rowStates(fileID int64) []models.WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WorkflowState, 0, len(m.rows[fileID]))
	for _, r := range m.rows[fileID] {
		out = append(out, r.State)
	}
	return out
}

func (m *memoryGrdStore) ApplyTransition(ctx context.Context, fileID int64, decide repository.TransitionDecider) (*repository.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	file, ok := m.files[fileID]
	if !ok || len(m.rows[fileID]) == 0 {
		return nil, sql.ErrNoRows
	}
	snapshot := *file
	rows := append([]models.GrdRow(nil), m.rows[fileID]...)
	change, err := decide(&snapshot, rows)
	if err != nil {
		return nil, err
	}
	if m.divergeNext {
		m.divergeNext = false
		return nil, repository.ErrRowsDiverged
	}

	previous := file.State
	file.State = change.To
	file.RejectionReason = nil
	if change.To == models.StateRejected {
		file.RejectionReason = change.RejectionReason
	}
	if change.To == models.StateExported {
		now := time.Now().UTC()
		file.ExportedAt = &now
	}
	stored := m.rows[fileID]
	for i := range stored {
		stored[i].State = change.To
	}
	return &repository.TransitionResult{
		File:          *file,
		PreviousState: previous,
		CurrentState:  change.To,
		RowsUpdated:   int64(len(stored)),
	}, nil
}

func (m *memoryGrdStore) FindBlockingFile(ctx context.Context) (*models.ActiveWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	return m.findBlockingLocked(), nil
}

func (m *memoryGrdStore) findBlockingLocked() *models.ActiveWorkflow {
	ids := make([]int64, 0, len(m.files))
	for id := range m.files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		file := m.files[id]
		if !file.State.Blocking() {
			continue
		}
		fileID, state := id, file.State
		active := &models.ActiveWorkflow{Active: true, FileID: &fileID, State: &state}
		var sample string
		for _, r := range m.rows[id] {
			if sample == "" || r.EpisodeID < sample {
				sample = r.EpisodeID
			}
		}
		if sample != "" {
			active.EpisodeSample = &sample
		}
		return active
	}
	return &models.ActiveWorkflow{Active: false}
}

func (m *memoryGrdStore) CreateFileExclusive(ctx context.Context, file *models.GrdFile, rows []models.GrdRow) error {
	if m.createDelay > 0 {
		time.Sleep(m.createDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if active := m.findBlockingLocked(); active.Active {
		return &repository.ActiveWorkflowError{Workflow: *active}
	}
	existing := map[string]struct{}{}
	for _, stored := range m.rows {
		for _, r := range stored {
			existing[r.EpisodeID] = struct{}{}
		}
	}
	for _, r := range rows {
		if _, dup := existing[r.EpisodeID]; dup {
			return repository.ErrDuplicateEpisode
		}
	}

	file.ID = m.nextID
	m.nextID++
	file.State = models.StateBorradorEncoder
	file.CreatedAt = time.Now().UTC()
	file.UpdatedAt = file.CreatedAt
	copyFile := *file
	m.files[file.ID] = &copyFile
	stored := make([]models.GrdRow, len(rows))
	for i, r := range rows {
		r.FileID = file.ID
		r.State = file.State
		stored[i] = r
	}
	m.rows[file.ID] = stored
	return nil
}

func (m *memoryGrdStore) GetFile(ctx context.Context, id int64) (*models.GrdFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := *file
	out.RowCount = len(m.rows[id])
	return &out, nil
}

func (m *memoryGrdStore) ListFiles(ctx context.Context, filter models.GrdFileFilter) ([]models.GrdFile, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GrdFile
	for _, f := range m.files {
		if len(filter.States) > 0 {
			match := false
			for _, s := range filter.States {
				match = match || s == f.State
			}
			if !match {
				continue
			}
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	start := (filter.Page - 1) * filter.PageSize
	if start > total {
		start = total
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return out[start:end], total, nil
}

func (m *memoryGrdStore) ListRows(ctx context.Context, fileID int64) ([]models.GrdRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.GrdRow(nil), m.rows[fileID]...), nil
}

func (m *memoryGrdStore) GetRow(ctx context.Context, episodeID string) (*models.GrdRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.rows {
		for _, r := range stored {
			if r.EpisodeID == episodeID {
				row := r
				return &row, nil
			}
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryGrdStore) UpdateFields(ctx context.Context, params repository.UpdateRowParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byColumn := map[string]workflow.Field{}
	for _, f := range workflow.Fields() {
		byColumn[f.Column] = f
	}
	for fileID, stored := range m.rows {
		for i := range stored {
			if stored[i].EpisodeID != params.EpisodeID {
				continue
			}
			if stored[i].State != params.ExpectedState {
				return sql.ErrNoRows
			}
			for _, cv := range params.Values {
				if err := byColumn[cv.Column].Assign(&m.rows[fileID][i], cv.Value); err != nil {
					return err
				}
			}
			updatedBy := params.UpdatedBy
			m.rows[fileID][i].UpdatedBy = &updatedBy
			m.rows[fileID][i].UpdatedAt = params.UpdatedAt
			return nil
		}
	}
	return sql.ErrNoRows
}
