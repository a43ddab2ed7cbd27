// Package ingest reads vendor CSV, XLSX and JSON files into raw rows keyed
// by source field name.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/perf-recon/internal/model"
)

// Format is a supported vendor file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// DetectFormat maps a file extension to its format.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "csv", "txt":
		return FormatCSV, nil
	case "xlsx", "xlsm":
		return FormatXLSX, nil
	case "json", "jsonl", "ndjson":
		return FormatJSON, nil
	default:
		return "", eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// Stream reads path and sends each data row on the returned channel. Both
// channels are closed when reading completes; at most one error is sent.
func Stream(ctx context.Context, path string) (<-chan model.RawRow, <-chan error) {
	format, err := DetectFormat(path)
	if err != nil {
		return failed(err)
	}

	switch format {
	case FormatXLSX:
		return StreamXLSX(ctx, path, XLSXOptions{})
	case FormatCSV:
		f, err := os.Open(path)
		if err != nil {
			return failed(eris.Wrapf(err, "ingest: open %s", path))
		}
		rows, errs := StreamCSV(ctx, f, CSVOptions{TrimSpace: true})
		return rows, closeAfter(f, errs)
	default:
		f, err := os.Open(path)
		if err != nil {
			return failed(eris.Wrapf(err, "ingest: open %s", path))
		}
		rows, errs := StreamJSON(ctx, f)
		return rows, closeAfter(f, errs)
	}
}

// ReadFile collects every row of path. Row i of the result is source data
// row i+1.
func ReadFile(ctx context.Context, path string) ([]model.RawRow, error) {
	rowCh, errCh := Stream(ctx, path)

	var rows []model.RawRow
	for row := range rowCh {
		rows = append(rows, row)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return rows, nil
}

func failed(err error) (<-chan model.RawRow, <-chan error) {
	rowCh := make(chan model.RawRow)
	errCh := make(chan error, 1)
	errCh <- err
	close(rowCh)
	close(errCh)
	return rowCh, errCh
}

type closer interface{ Close() error }

// closeAfter closes c once the producer has finished and forwards its error.
func closeAfter(c closer, errs <-chan error) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		err, ok := <-errs
		c.Close() //nolint:errcheck
		if ok && err != nil {
			out <- err
		}
	}()
	return out
}
