package models

import "time"

// WorkflowState is the lifecycle state shared by a GRD file and every one of its rows.
type WorkflowState string

const (
	StateBorradorEncoder  WorkflowState = "borrador_encoder"
	StatePendienteFinance WorkflowState = "pendiente_finance"
	StateBorradorFinance  WorkflowState = "borrador_finance"
	StatePendienteAdmin   WorkflowState = "pendiente_admin"
	StateApproved         WorkflowState = "approved"
	StateRejected         WorkflowState = "rejected"
	StateExported         WorkflowState = "exported"
)

// AllStates lists every workflow state in happy-path order followed by the side branches.
func AllStates() []WorkflowState {
	return []WorkflowState{
		StateBorradorEncoder,
		StatePendienteFinance,
		StateBorradorFinance,
		StatePendienteAdmin,
		StateApproved,
		StateRejected,
		StateExported,
	}
}

// BlockingStates returns the states that hold the organisation-wide
// single-active-workflow lock. A rejected file is still in flight.
func BlockingStates() []WorkflowState {
	return []WorkflowState{
		StateBorradorEncoder,
		StatePendienteFinance,
		StateBorradorFinance,
		StatePendienteAdmin,
		StateRejected,
	}
}

// Valid reports whether s is a known state.
func (s WorkflowState) Valid() bool {
	for _, candidate := range AllStates() {
		if candidate == s {
			return true
		}
	}
	return false
}

// Blocking reports whether a file in state s prevents a new upload.
func (s WorkflowState) Blocking() bool {
	for _, candidate := range BlockingStates() {
		if candidate == s {
			return true
		}
	}
	return false
}

// WorkflowAction names an edge of the transition table.
type WorkflowAction string

const (
	ActionSubmitToFinance  WorkflowAction = "submit-to-finance"
	ActionSaveFinanceDraft WorkflowAction = "save-finance-draft"
	ActionSubmitToAdmin    WorkflowAction = "submit-to-admin"
	ActionApprove          WorkflowAction = "approve"
	ActionReject           WorkflowAction = "reject"
	ActionExport           WorkflowAction = "export"
)

// GrdFile is the logical billing document (id_grd_oficial).
type GrdFile struct {
	ID              int64         `db:"id" json:"fileId"`
	State           WorkflowState `db:"state" json:"state"`
	RejectionReason *string       `db:"rejection_reason" json:"rejectionReason,omitempty"`
	SourceFilename  string        `db:"source_filename" json:"sourceFilename"`
	RowCount        int           `db:"row_count" json:"rowCount"`
	CreatedBy       string        `db:"created_by" json:"createdBy"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
	ExportedAt      *time.Time    `db:"exported_at" json:"exportedAt,omitempty"`
}

// GrdRow is one episodio inside a GRD file. Field origins are declared in the
// workflow field catalogue; the struct only carries storage.
type GrdRow struct {
	EpisodeID string        `db:"episode_id" json:"episodeId"`
	FileID    int64         `db:"file_id" json:"fileId"`
	RowIndex  int           `db:"row_index" json:"rowIndex"`
	State     WorkflowState `db:"state" json:"state"`

	RUT            *string    `db:"rut" json:"rut"`
	NombrePaciente *string    `db:"nombre_paciente" json:"nombre_paciente"`
	FechaIngreso   *time.Time `db:"fecha_ingreso" json:"fecha_ingreso"`
	FechaAlta      *time.Time `db:"fecha_alta" json:"fecha_alta"`
	ServicioAlta   *string    `db:"servicio_alta" json:"servicio_alta"`
	Convenio       *string    `db:"convenio" json:"convenio"`
	GRDCodigo      *string    `db:"grd_codigo" json:"grd_codigo"`
	PesoGRD        *float64   `db:"peso_grd" json:"peso_grd"`
	DiasEstada     *int64     `db:"dias_estada" json:"dias_estada"`
	InlierOutlier  *string    `db:"inlier_outlier" json:"inlier_outlier"`

	AT        *bool   `db:"at" json:"AT"`
	ATDetalle *string `db:"at_detalle" json:"AT_detalle"`

	EstadoRN            *string  `db:"estado_rn" json:"estado_rn"`
	MontoAT             *float64 `db:"monto_at" json:"monto_AT"`
	MontoRN             *float64 `db:"monto_rn" json:"monto_rn"`
	DiasDemoraRescate   *int64   `db:"dias_demora_rescate" json:"dias_demora_rescate"`
	PagoDemoraRescate   *float64 `db:"pago_demora_rescate" json:"pago_demora_rescate"`
	PagoOutlierSuperior *float64 `db:"pago_outlier_superior" json:"pago_outlier_superior"`
	Documentacion       *string  `db:"documentacion" json:"documentacion"`
	PrecioBaseTramo     *float64 `db:"precio_base_tramo" json:"precio_base_tramo"`
	Validado            *bool    `db:"validado" json:"validado"`

	UpdatedBy *string   `db:"updated_by" json:"updatedBy,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// GrdFileFilter constrains file listings.
type GrdFileFilter struct {
	States   []WorkflowState
	Page     int
	PageSize int
}

// ActiveWorkflow describes the file currently holding the single-active-workflow lock.
type ActiveWorkflow struct {
	Active        bool           `json:"active"`
	FileID        *int64         `json:"fileId,omitempty"`
	EpisodeSample *string        `json:"episodeSample,omitempty"`
	State         *WorkflowState `json:"state,omitempty"`
}

// ExportFormat enumerates rendered export formats.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportArtifact records a rendered export stored for an exported file.
type ExportArtifact struct {
	ID        string       `db:"id" json:"id"`
	FileID    int64        `db:"file_id" json:"fileId"`
	Format    ExportFormat `db:"format" json:"format"`
	Path      string       `db:"path" json:"-"`
	SizeBytes int64        `db:"size_bytes" json:"sizeBytes"`
	CreatedBy string       `db:"created_by" json:"createdBy"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
}

// TransitionOutcome is returned by a successful workflow transition.
type TransitionOutcome struct {
	FileID          int64          `json:"fileId"`
	Action          WorkflowAction `json:"action"`
	PreviousState   WorkflowState  `json:"previousState"`
	CurrentState    WorkflowState  `json:"currentState"`
	RowsUpdated     int64          `json:"rowsUpdated"`
	RejectionReason *string        `json:"rejectionReason,omitempty"`
}
