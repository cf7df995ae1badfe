package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() Dataset {
	return Dataset{
		Headers: []string{"episodio", "AT", "AT_detalle"},
		Rows: []map[string]string{
			{"episodio": "1001", "AT": "true", "AT_detalle": "stent, coronario"},
			{"episodio": "1002", "AT": "false"},
		},
		Caption: "Archivo 42 · exported",
	}
}

func TestCSVExporterKeepsHeaderOrderAndQuotes(t *testing.T) {
	out, err := NewCSVExporter().Render(sampleDataset())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "episodio,AT,AT_detalle", lines[0])
	assert.Equal(t, `1001,true,"stent, coronario"`, lines[1])
	assert.Equal(t, "1002,false,", lines[2])
}

func TestCSVExporterDelimiter(t *testing.T) {
	out, err := NewCSVExporterWithDelimiter(';').Render(sampleDataset())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "episodio;AT;AT_detalle\n"))
}

func TestExportersRequireHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)
	_, err = NewPDFExporter().Render(Dataset{}, "vacío")
	assert.Error(t, err)
}

func TestPDFExporterRendersWideTables(t *testing.T) {
	data := sampleDataset()
	for i := 0; i < 10; i++ {
		data.Headers = append(data.Headers, strings.Repeat("columna_larga_", 2))
	}
	for i := 0; i < 120; i++ {
		data.Rows = append(data.Rows, map[string]string{"episodio": "2000", "AT_detalle": strings.Repeat("texto extenso ", 8)})
	}

	out, err := NewPDFExporter().Render(data, "Exportación GRD")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
