// Package reconcile compares calculated performance metrics against the
// values a vendor reported for the same record.
package reconcile

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/perf-recon/internal/model"
)

// MissingPolicy decides what happens when the vendor did not report a
// comparable value.
type MissingPolicy string

const (
	// MissingSkip emits no result for the field.
	MissingSkip MissingPolicy = "skip"
	// MissingFail emits a failing result with no vendor value.
	MissingFail MissingPolicy = "fail"
)

// ParseMissingPolicy validates a configured policy name.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(strings.ToLower(s)) {
	case MissingSkip, "":
		return MissingSkip, nil
	case MissingFail:
		return MissingFail, nil
	default:
		return "", eris.Errorf("reconcile: unknown missing vendor policy %q (valid: skip, fail)", s)
	}
}

// Tolerances maps a reconciled field name to its absolute threshold.
type Tolerances map[string]decimal.Decimal

// Fields is the order in which fields are reconciled for every record.
var Fields = []string{model.FieldTWRR, model.FieldEndingMarketValue, model.FieldNetFlow}

// DefaultTolerances returns the stock thresholds.
func DefaultTolerances() Tolerances {
	return Tolerances{
		model.FieldTWRR:              decimal.RequireFromString("0.0001"),
		model.FieldEndingMarketValue: decimal.RequireFromString("0.01"),
		model.FieldNetFlow:           decimal.RequireFromString("0.01"),
	}
}

// Validate requires a non-negative threshold for every reconciled field.
func (t Tolerances) Validate() error {
	var missing []string
	for _, f := range Fields {
		v, ok := t[f]
		if !ok {
			missing = append(missing, f)
			continue
		}
		if v.IsNegative() {
			return eris.Errorf("reconcile: tolerance for %s is negative (%s)", f, v)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("reconcile: no tolerance configured for %s", strings.Join(missing, ", "))
	}

	var unknown []string
	for f := range t {
		if !isField(f) {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return eris.Errorf("reconcile: tolerance configured for unknown field %s", strings.Join(unknown, ", "))
	}
	return nil
}

func isField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Engine reconciles records. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	tolerances Tolerances
	policy     MissingPolicy
}

// New validates the tolerance table and builds an Engine.
func New(tolerances Tolerances, policy MissingPolicy) (*Engine, error) {
	if err := tolerances.Validate(); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = MissingSkip
	}
	if policy != MissingSkip && policy != MissingFail {
		return nil, eris.Errorf("reconcile: unknown missing vendor policy %q", policy)
	}

	own := make(Tolerances, len(tolerances))
	for k, v := range tolerances {
		own[k] = v
	}
	return &Engine{tolerances: own, policy: policy}, nil
}

// Policy returns the missing vendor value policy.
func (e *Engine) Policy() MissingPolicy { return e.policy }

// Tolerance returns the threshold for a field.
func (e *Engine) Tolerance(field string) decimal.Decimal { return e.tolerances[field] }

// ExpectedEndingValue rolls the beginning value forward through every
// reported flow component.
func ExpectedEndingValue(rec *model.CanonicalPerformanceRecord, m model.DerivedMetrics) decimal.Decimal {
	return rec.BeginningMarketValue.
		Add(m.NetFlow).
		Add(rec.Income).
		Add(rec.Appreciation).
		Sub(rec.Fees).
		Add(rec.OtherAdjustments)
}

// Reconcile returns one result per comparable field, in Fields order.
// Fields whose calculated value is undefined are never compared.
func (e *Engine) Reconcile(rec *model.CanonicalPerformanceRecord, m model.DerivedMetrics) []model.ReconciliationResult {
	out := make([]model.ReconciliationResult, 0, len(Fields))

	if m.CalculatedTWRR.Valid {
		if r, ok := e.compare(rec, model.FieldTWRR, m.CalculatedTWRR.Decimal, rec.VendorTWRR); ok {
			out = append(out, r)
		}
	}

	expected := ExpectedEndingValue(rec, m)
	if r, ok := e.compare(rec, model.FieldEndingMarketValue, expected, decimal.NewNullDecimal(rec.EndingMarketValue)); ok {
		out = append(out, r)
	}

	if r, ok := e.compare(rec, model.FieldNetFlow, m.NetFlow, rec.VendorNetFlow); ok {
		out = append(out, r)
	}
	return out
}

func (e *Engine) compare(rec *model.CanonicalPerformanceRecord, field string, calculated decimal.Decimal, vendor decimal.NullDecimal) (model.ReconciliationResult, bool) {
	threshold := e.tolerances[field]
	r := model.ReconciliationResult{
		AccountID:          rec.AccountID,
		AsOfDate:           rec.AsOfDate,
		FieldName:          field,
		CalculatedValue:    calculated,
		VendorValue:        vendor,
		ToleranceThreshold: threshold,
	}

	if !vendor.Valid {
		if e.policy != MissingFail {
			return r, false
		}
		r.Notes = "vendor value missing"
		return r, true
	}

	variance := calculated.Sub(vendor.Decimal).Abs()
	r.Variance = decimal.NewNullDecimal(variance)
	r.WithinTolerance = variance.LessThanOrEqual(threshold)
	if !r.WithinTolerance {
		r.Notes = "variance " + variance.String() + " exceeds tolerance " + threshold.String()
	}
	return r, true
}
