// Package normalize maps vendor-specific raw rows onto the canonical
// performance record using a declarative vendor field mapping.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/sells-group/perf-recon/internal/mapping"
	"github.com/sells-group/perf-recon/internal/model"
)

// nullTokens are raw values treated as absent.
var nullTokens = map[string]bool{
	"null": true,
	"nan":  true,
	"none": true,
	"n/a":  true,
	"na":   true,
	"-":    true,
}

// Normalizer applies one vendor's mapping to raw rows. It holds a case folder
// and must not be shared between goroutines.
type Normalizer struct {
	mapping *mapping.VendorFieldMapping
	layouts []string
	folder  cases.Caser
}

// New creates a Normalizer for a vendor mapping.
func New(m *mapping.VendorFieldMapping) *Normalizer {
	return &Normalizer{
		mapping: m,
		layouts: m.Layouts(),
		folder:  cases.Fold(),
	}
}

// Mapping returns the vendor mapping the normalizer applies.
func (n *Normalizer) Mapping() *mapping.VendorFieldMapping {
	return n.mapping
}

// Normalize converts one raw row. rowNum is the 1-based position of the row in
// its batch. Exactly one of the first two returned values is non-nil: the
// canonical record, or a rejection listing every required field that could
// not be resolved or coerced. An optional field that cannot be coerced is left
// absent (null, or zero for flows) and reported as a warning instead.
func (n *Normalizer) Normalize(row model.RawRow, rowNum int) (*model.CanonicalPerformanceRecord, *model.Rejection, []model.Warning) {
	folded := make(map[string]string, len(row))
	for k, v := range row {
		folded[n.folder.String(strings.TrimSpace(k))] = v
	}

	rec := &model.CanonicalPerformanceRecord{Vendor: n.mapping.Vendor, SourceRow: rowNum}
	rej := &model.Rejection{Row: rowNum, Vendor: n.mapping.Vendor}
	var dropped []string

	for _, f := range mapping.CanonicalFields {
		required := n.mapping.IsRequired(f.Name)
		raw, found := n.resolve(row, folded, f.Name)
		if !found {
			if required {
				rej.MissingFields = append(rej.MissingFields, f.Name)
			}
			continue
		}
		if n.assign(rec, f.Name, f.Type, raw) {
			continue
		}
		if required {
			rej.InvalidFields = append(rej.InvalidFields, f.Name)
		} else {
			dropped = append(dropped, fmt.Sprintf("%s=%q", f.Name, raw))
		}
	}

	if len(rej.MissingFields) > 0 || len(rej.InvalidFields) > 0 {
		rej.AccountID = rec.AccountID
		return nil, rej, nil
	}

	var warnings []model.Warning
	if len(dropped) > 0 {
		warnings = append(warnings, model.Warning{
			Kind:        model.IssueSchema,
			AccountID:   rec.AccountID,
			PortfolioID: rec.PortfolioID,
			Message: fmt.Sprintf("row %d: optional field(s) %s could not be coerced and were left empty",
				rowNum, strings.Join(dropped, ", ")),
		})
	}
	return rec, nil, warnings
}

// resolve returns the first configured alias with a non-empty value. Aliases
// match exactly first, then case-insensitively.
func (n *Normalizer) resolve(row model.RawRow, folded map[string]string, field string) (string, bool) {
	rule, ok := n.mapping.Rule(field)
	if !ok {
		return "", false
	}
	for _, alias := range rule.Aliases {
		v, ok := row[alias]
		if !ok {
			v, ok = folded[n.folder.String(alias)]
		}
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" || nullTokens[strings.ToLower(v)] {
			continue
		}
		return v, true
	}
	return "", false
}

// assign coerces raw to the field's type and stores it on rec.
func (n *Normalizer) assign(rec *model.CanonicalPerformanceRecord, field string, kind mapping.FieldType, raw string) bool {
	switch kind {
	case mapping.TypeString:
		switch field {
		case mapping.AccountID:
			rec.AccountID = raw
		case mapping.PortfolioID:
			rec.PortfolioID = raw
		}
		return true

	case mapping.TypeDate:
		d, ok := ParseDate(raw, n.layouts)
		if !ok {
			return false
		}
		rec.AsOfDate = d
		return true

	case mapping.TypeDecimal:
		d, err := ParseDecimal(raw)
		if err != nil {
			return false
		}
		if rule, _ := n.mapping.Rule(field); rule.Scale != nil {
			d = d.Mul(*rule.Scale)
		}
		setDecimal(rec, field, d)
		return true
	}
	return false
}

func setDecimal(rec *model.CanonicalPerformanceRecord, field string, d decimal.Decimal) {
	switch field {
	case mapping.BeginningMarketValue:
		rec.BeginningMarketValue = d
	case mapping.Contributions:
		rec.Contributions = d
	case mapping.Distributions:
		rec.Distributions = d
	case mapping.Income:
		rec.Income = d
	case mapping.Appreciation:
		rec.Appreciation = d
	case mapping.Fees:
		rec.Fees = d
	case mapping.OtherAdjustments:
		rec.OtherAdjustments = d
	case mapping.EndingMarketValue:
		rec.EndingMarketValue = d
	case mapping.VendorTWRR:
		rec.VendorTWRR = decimal.NewNullDecimal(d)
	case mapping.BenchmarkReturn:
		rec.BenchmarkReturn = decimal.NewNullDecimal(d)
	case mapping.VendorNetFlow:
		rec.VendorNetFlow = decimal.NewNullDecimal(d)
	}
}

// ParseDate tries each layout in order; the first match wins.
func ParseDate(raw string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

var numberCleaner = strings.NewReplacer(",", "", "$", "", " ", "", "_", "")

// ParseDecimal parses a vendor numeric value. It accepts thousands separators,
// a leading currency sign, accounting-style parentheses for negatives and a
// trailing percent sign (which divides by 100).
func ParseDecimal(raw string) (decimal.Decimal, error) {
	s := numberCleaner.Replace(strings.TrimSpace(raw))

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	percent := false
	if strings.HasSuffix(s, "%") {
		percent = true
		s = strings.TrimSuffix(s, "%")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if percent {
		d = d.Shift(-2)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}
