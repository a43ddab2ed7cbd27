package ingest

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/perf-recon/internal/model"
)

// XLSXOptions configures the XLSX reader.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // overrides SheetIndex
	SkipRows   int    // rows above the header
}

// StreamXLSX reads one sheet whose first row (after SkipRows) is the header
// and sends each data row keyed by header name. Numeric cells keep their raw
// value; date-formatted numeric cells are rendered as YYYY-MM-DD.
func StreamXLSX(ctx context.Context, path string, opts XLSXOptions) (<-chan model.RawRow, <-chan error) {
	rowCh := make(chan model.RawRow, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		f, err := xlsx.OpenFile(path)
		if err != nil {
			errCh <- eris.Wrap(err, "xlsx: open file")
			return
		}

		sheet, err := getSheet(f, opts)
		if err != nil {
			errCh <- err
			return
		}

		var header []string
		for i, row := range sheet.Rows {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
			if i < opts.SkipRows || row == nil {
				continue
			}

			cells := rowToStrings(row, f.Date1904)
			if header == nil {
				header = cells
				continue
			}

			raw := zipRow(header, cells)
			if raw == nil {
				continue
			}

			select {
			case rowCh <- raw:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
		}

		if header == nil {
			errCh <- eris.New("xlsx: sheet has no header row")
		}
	}()

	return rowCh, errCh
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row, date1904 bool) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cellText(cell, date1904)
	}
	return cells
}

func cellText(cell *xlsx.Cell, date1904 bool) string {
	if cell == nil {
		return ""
	}
	if isDateFormat(cell.GetNumberFormat()) {
		if serial, err := cell.Float(); err == nil {
			return xlsx.TimeFromExcelTime(serial, date1904).Format(model.DateLayout)
		}
	}
	if cell.Type() == xlsx.CellTypeNumeric {
		return cell.Value
	}
	return cell.String()
}

// isDateFormat reports whether an Excel number format renders a date.
func isDateFormat(format string) bool {
	f := strings.ToLower(format)
	if f == "" || f == "general" {
		return false
	}
	// Strip quoted literals and bracketed colour/locale sections.
	var b strings.Builder
	quoted, bracket := false, false
	for _, r := range f {
		switch {
		case r == '"':
			quoted = !quoted
		case r == '[' && !quoted:
			bracket = true
		case r == ']' && !quoted:
			bracket = false
		case !quoted && !bracket:
			b.WriteRune(r)
		}
	}
	plain := b.String()
	return strings.ContainsAny(plain, "yd") || strings.Contains(plain, "mmm")
}
