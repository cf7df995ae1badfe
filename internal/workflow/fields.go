package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/grd-workflow-api/internal/models"
)

// FieldOrigin classifies who may ever write a row field.
type FieldOrigin int

const (
	OriginLocked FieldOrigin = iota + 1
	OriginEncoder
	OriginFinance
)

// String renders the origin for API responses.
func (o FieldOrigin) String() string {
	switch o {
	case OriginLocked:
		return "locked"
	case OriginEncoder:
		return "encoderField"
	case OriginFinance:
		return "financeField"
	default:
		return "unknown"
	}
}

// FieldKind describes the value type stored in a row field.
type FieldKind int

const (
	KindString FieldKind = iota + 1
	KindBool
	KindDecimal
	KindInteger
	KindDate
)

const dateLayout = "2006-01-02"

var csvDateLayouts = []string{dateLayout, "02-01-2006", "02/01/2006", "2006/01/02"}

// Field declares one named column of a GRD row.
type Field struct {
	Name   string
	Column string
	Origin FieldOrigin
	Kind   FieldKind

	ref func(*models.GrdRow) interface{}
}

func declare(name, column string, origin FieldOrigin, kind FieldKind, ref func(*models.GrdRow) interface{}) Field {
	switch origin {
	case OriginLocked, OriginEncoder, OriginFinance:
	default:
		panic(fmt.Sprintf("workflow: field %q declared without an origin class", name))
	}
	return Field{Name: name, Column: column, Origin: origin, Kind: kind, ref: ref}
}

var catalogue = []Field{
	declare("rut", "rut", OriginLocked, KindString, func(r *models.GrdRow) interface{} { return &r.RUT }),
	declare("nombre_paciente", "nombre_paciente", OriginLocked, KindString, func(r *models.GrdRow) interface{} { return &r.NombrePaciente }),
	declare("fecha_ingreso", "fecha_ingreso", OriginLocked, KindDate, func(r *models.GrdRow) interface{} { return &r.FechaIngreso }),
	declare("fecha_alta", "fecha_alta", OriginLocked, KindDate, func(r *models.GrdRow) interface{} { return &r.FechaAlta }),
	declare("servicio_alta", "servicio_alta", OriginLocked, KindString, func(r *models.GrdRow) interface{} { return &r.ServicioAlta }),
	declare("convenio", "convenio", OriginLocked, KindString, func(r *models.GrdRow) interface{} { return &r.Convenio }),
	declare("grd_codigo", "grd_codigo", OriginLocked, KindString, func(r *models.GrdRow) interface{} { return &r.GRDCodigo }),
	declare("peso_grd", "peso_grd", OriginLocked, KindDecimal, func(r *models.GrdRow) interface{} { return &r.PesoGRD }),
	declare("dias_estada", "dias_estada", OriginLocked, KindInteger, func(r *models.GrdRow) interface{} { return &r.DiasEstada }),
	declare("inlier_outlier", "inlier_outlier", OriginLocked, KindString, func(r *models.GrdRow) interface{} { return &r.InlierOutlier }),

	declare("AT", "at", OriginEncoder, KindBool, func(r *models.GrdRow) interface{} { return &r.AT }),
	declare("AT_detalle", "at_detalle", OriginEncoder, KindString, func(r *models.GrdRow) interface{} { return &r.ATDetalle }),

	declare("estado_rn", "estado_rn", OriginFinance, KindString, func(r *models.GrdRow) interface{} { return &r.EstadoRN }),
	declare("monto_AT", "monto_at", OriginFinance, KindDecimal, func(r *models.GrdRow) interface{} { return &r.MontoAT }),
	declare("monto_rn", "monto_rn", OriginFinance, KindDecimal, func(r *models.GrdRow) interface{} { return &r.MontoRN }),
	declare("dias_demora_rescate", "dias_demora_rescate", OriginFinance, KindInteger, func(r *models.GrdRow) interface{} { return &r.DiasDemoraRescate }),
	declare("pago_demora_rescate", "pago_demora_rescate", OriginFinance, KindDecimal, func(r *models.GrdRow) interface{} { return &r.PagoDemoraRescate }),
	declare("pago_outlier_superior", "pago_outlier_superior", OriginFinance, KindDecimal, func(r *models.GrdRow) interface{} { return &r.PagoOutlierSuperior }),
	declare("documentacion", "documentacion", OriginFinance, KindString, func(r *models.GrdRow) interface{} { return &r.Documentacion }),
	declare("precio_base_tramo", "precio_base_tramo", OriginFinance, KindDecimal, func(r *models.GrdRow) interface{} { return &r.PrecioBaseTramo }),
	declare("validado", "validado", OriginFinance, KindBool, func(r *models.GrdRow) interface{} { return &r.Validado }),
}

var byName = func() map[string]Field {
	index := make(map[string]Field, len(catalogue))
	for _, f := range catalogue {
		index[f.Name] = f
	}
	return index
}()

// Fields returns the full catalogue in display order.
func Fields() []Field {
	out := make([]Field, len(catalogue))
	copy(out, catalogue)
	return out
}

// LookupField resolves a field by its public name.
func LookupField(name string) (Field, bool) {
	f, ok := byName[name]
	return f, ok
}

// FieldsByOrigin returns the catalogue entries of one origin class.
func FieldsByOrigin(origin FieldOrigin) []Field {
	out := make([]Field, 0, len(catalogue))
	for _, f := range catalogue {
		if f.Origin == origin {
			out = append(out, f)
		}
	}
	return out
}

// Value returns the dereferenced value stored on row, or nil when unset.
func (f Field) Value(row *models.GrdRow) interface{} {
	switch p := f.ref(row).(type) {
	case **string:
		if *p != nil {
			return **p
		}
	case **bool:
		if *p != nil {
			return **p
		}
	case **float64:
		if *p != nil {
			return **p
		}
	case **int64:
		if *p != nil {
			return **p
		}
	case **time.Time:
		if *p != nil {
			return **p
		}
	}
	return nil
}

// Format renders the stored value as text for exports. Unset values render empty.
func (f Field) Format(row *models.GrdRow) string {
	switch v := f.Value(row).(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case time.Time:
		return v.Format(dateLayout)
	default:
		return fmt.Sprint(v)
	}
}

// Assign stores a typed value (as produced by Parse or Decode) on row. nil clears the field.
func (f Field) Assign(row *models.GrdRow, value interface{}) error {
	switch p := f.ref(row).(type) {
	case **string:
		if value == nil {
			*p = nil
			return nil
		}
		v, ok := value.(string)
		if !ok {
			return f.typeError(value)
		}
		*p = &v
	case **bool:
		if value == nil {
			*p = nil
			return nil
		}
		v, ok := value.(bool)
		if !ok {
			return f.typeError(value)
		}
		*p = &v
	case **float64:
		if value == nil {
			*p = nil
			return nil
		}
		v, ok := value.(float64)
		if !ok {
			return f.typeError(value)
		}
		*p = &v
	case **int64:
		if value == nil {
			*p = nil
			return nil
		}
		v, ok := value.(int64)
		if !ok {
			return f.typeError(value)
		}
		*p = &v
	case **time.Time:
		if value == nil {
			*p = nil
			return nil
		}
		v, ok := value.(time.Time)
		if !ok {
			return f.typeError(value)
		}
		*p = &v
	}
	return nil
}

func (f Field) typeError(value interface{}) error {
	return fmt.Errorf("%s: unexpected value type %T", f.Name, value)
}

// Parse converts spreadsheet text into a typed value. Blank cells yield nil.
func (f Field) Parse(raw string) (interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	switch f.Kind {
	case KindString:
		return raw, nil
	case KindBool:
		switch strings.ToLower(raw) {
		case "true", "1", "si", "sí", "s", "x", "yes":
			return true, nil
		case "false", "0", "no", "n":
			return false, nil
		}
		return nil, fmt.Errorf("%s: %q is not a boolean", f.Name, raw)
	case KindDecimal:
		normalized := raw
		if strings.Contains(normalized, ",") && !strings.Contains(normalized, ".") {
			normalized = strings.ReplaceAll(normalized, ",", ".")
		}
		v, err := strconv.ParseFloat(normalized, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", f.Name, raw)
		}
		return v, nil
	case KindInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", f.Name, raw)
		}
		return v, nil
	case KindDate:
		for _, layout := range csvDateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("%s: %q is not a date", f.Name, raw)
	}
	return nil, fmt.Errorf("%s: unsupported field kind", f.Name)
}

// Decode converts a JSON value from the row-edit payload into a typed value.
// JSON null yields nil, which clears the field.
func (f Field) Decode(raw json.RawMessage) (interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	switch f.Kind {
	case KindString:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s must be a string", f.Name)
		}
		return v, nil
	case KindBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s must be a boolean", f.Name)
		}
		return v, nil
	case KindDecimal:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s must be a number", f.Name)
		}
		return v, nil
	case KindInteger:
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s must be an integer", f.Name)
		}
		return v, nil
	case KindDate:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%s must be a date string", f.Name)
		}
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("%s must use the YYYY-MM-DD format", f.Name)
		}
		return t, nil
	}
	return nil, fmt.Errorf("%s: unsupported field kind", f.Name)
}
