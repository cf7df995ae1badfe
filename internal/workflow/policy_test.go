package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grd-workflow-api/internal/models"
)

func TestCanWriteMatrix(t *testing.T) {
	roles := []models.UserRole{models.RoleEncoder, models.RoleFinance, models.RoleAdmin, models.RoleSystem}

	for _, f := range Fields() {
		for _, role := range roles {
			for _, state := range models.AllStates() {
				got := CanWrite(role, state, f.Name)

				want := false
				switch {
				case f.Origin == OriginEncoder && role == models.RoleEncoder:
					want = state == models.StateBorradorEncoder || state == models.StateRejected
				case f.Origin == OriginFinance && role == models.RoleFinance:
					want = state == models.StatePendienteFinance || state == models.StateBorradorFinance
				}
				assert.Equalf(t, want, got, "role=%s state=%s field=%s", role, state, f.Name)
			}
		}
	}
}

func TestCanWriteLockedAndUnknownFields(t *testing.T) {
	for _, state := range models.AllStates() {
		assert.False(t, CanWrite(models.RoleEncoder, state, "rut"))
		assert.False(t, CanWrite(models.RoleFinance, state, "peso_grd"))
		assert.False(t, CanWrite(models.RoleEncoder, state, "not_a_field"))
	}
}

func TestFinanceCannotWriteEncoderFieldInPendienteFinance(t *testing.T) {
	assert.False(t, CanWrite(models.RoleFinance, models.StatePendienteFinance, "AT_detalle"))
	assert.True(t, CanWrite(models.RoleFinance, models.StatePendienteFinance, "monto_AT"))
}

func TestWritableFields(t *testing.T) {
	assert.Equal(t, []string{"AT", "AT_detalle"}, WritableFields(models.RoleEncoder, models.StateRejected))
	assert.Empty(t, WritableFields(models.RoleEncoder, models.StatePendienteFinance))
	assert.Len(t, WritableFields(models.RoleFinance, models.StateBorradorFinance), len(FieldsByOrigin(OriginFinance)))
	assert.Empty(t, WritableFields(models.RoleAdmin, models.StatePendienteAdmin))
}

func TestDeclareRejectsUnclassifiedOrigin(t *testing.T) {
	assert.Panics(t, func() {
		declare("ghost", "ghost", FieldOrigin(0), KindString, func(r *models.GrdRow) interface{} { return &r.RUT })
	})
}

func TestFieldParseAndAssign(t *testing.T) {
	var row models.GrdRow

	peso, _ := LookupField("peso_grd")
	v, err := peso.Parse("1,25")
	require.NoError(t, err)
	require.NoError(t, peso.Assign(&row, v))
	assert.Equal(t, "1.25", peso.Format(&row))

	ingreso, _ := LookupField("fecha_ingreso")
	v, err = ingreso.Parse("03/02/2024")
	require.NoError(t, err)
	require.NoError(t, ingreso.Assign(&row, v))
	assert.Equal(t, time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC), *row.FechaIngreso)

	at, _ := LookupField("AT")
	v, err = at.Parse("Sí")
	require.NoError(t, err)
	require.NoError(t, at.Assign(&row, v))
	assert.True(t, *row.AT)

	dias, _ := LookupField("dias_estada")
	_, err = dias.Parse("tres")
	assert.Error(t, err)

	blank, err := dias.Parse("  ")
	require.NoError(t, err)
	assert.Nil(t, blank)
}

func TestFieldDecode(t *testing.T) {
	var row models.GrdRow

	detalle, _ := LookupField("AT_detalle")
	v, err := detalle.Decode(json.RawMessage(`"stent coronario"`))
	require.NoError(t, err)
	require.NoError(t, detalle.Assign(&row, v))
	assert.Equal(t, "stent coronario", *row.ATDetalle)

	v, err = detalle.Decode(json.RawMessage(`null`))
	require.NoError(t, err)
	require.NoError(t, detalle.Assign(&row, v))
	assert.Nil(t, row.ATDetalle)

	validado, _ := LookupField("validado")
	_, err = validado.Decode(json.RawMessage(`"yes"`))
	assert.EqualError(t, err, "validado must be a boolean")

	dias, _ := LookupField("dias_demora_rescate")
	_, err = dias.Decode(json.RawMessage(`2.5`))
	assert.Error(t, err)
}
