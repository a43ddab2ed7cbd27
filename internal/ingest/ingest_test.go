package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/perf-recon/internal/model"
)

func drain(rowCh <-chan model.RawRow, errCh <-chan error) ([]model.RawRow, error) {
	var rows []model.RawRow
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"vendor_a_2024.csv", FormatCSV},
		{"VA_2024.CSV", FormatCSV},
		{"vendor_b.xlsx", FormatXLSX},
		{"vendor_c.json", FormatJSON},
		{"vendor_c.jsonl", FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DetectFormat("report.pdf")
	assert.Error(t, err)
}

func TestReadFile_CSV(t *testing.T) {
	path := writeFile(t, "vendor_a.csv", "Account_ID, As_Of_Date ,BMV\nA1, 2024-01-31 ,1000\n\nA2,2024-01-31,2000\n")

	rows, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.RawRow{"Account_ID": "A1", "As_Of_Date": "2024-01-31", "BMV": "1000"}, rows[0])
	assert.Equal(t, "A2", rows[1]["Account_ID"])
}

func TestReadFile_JSON(t *testing.T) {
	path := writeFile(t, "vendor_c.json", `[
		{"account": {"id": "C1"}, "reporting": {"period_end": "2024-01-31", "market_values": {"beginning": 1000.50}}}
	]`)

	rows, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "C1", rows[0]["account.id"])
	assert.Equal(t, "1000.50", rows[0]["reporting.market_values.beginning"])
}

func TestReadFile_MissingFile(t *testing.T) {
	_, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

func TestReadFile_Unsupported(t *testing.T) {
	_, err := ReadFile(context.Background(), "statement.pdf")
	assert.ErrorContains(t, err, "unsupported file type")
}
