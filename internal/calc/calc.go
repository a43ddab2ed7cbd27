// Package calc computes net flow and time-weighted returns for canonical
// performance records as a fold over each account's date-ordered sequence.
package calc

import (
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/perf-recon/internal/model"
)

// Precision is the number of decimal places kept on returns.
const Precision = 16

var two = decimal.NewFromInt(2)

// UndefinedPolicy decides how cumulative TWRR behaves after a period whose
// return is undefined.
type UndefinedPolicy string

const (
	// PolicyPropagate leaves the cumulative return undefined for every later
	// period of the account until the state is reset.
	PolicyPropagate UndefinedPolicy = "propagate"
	// PolicyResume reports the undefined period as undefined and continues
	// chaining later periods from the last defined cumulative return.
	PolicyResume UndefinedPolicy = "resume"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (UndefinedPolicy, error) {
	switch UndefinedPolicy(s) {
	case PolicyPropagate, "":
		return PolicyPropagate, nil
	case PolicyResume:
		return PolicyResume, nil
	default:
		return "", eris.Errorf("calc: unknown undefined policy %q (valid: propagate, resume)", s)
	}
}

// State is the running cumulative state of one account. The zero value is the
// seed before an account's first period.
type State struct {
	CumulativeNetFlow decimal.Decimal
	CumulativeTWRR    decimal.Decimal
	Undefined         bool
	LastDate          time.Time
	Periods           int
}

// NetFlow is contributions minus distributions.
func NetFlow(rec *model.CanonicalPerformanceRecord) decimal.Decimal {
	return rec.Contributions.Sub(rec.Distributions)
}

// PeriodTWRR computes the single-period return with the mid-period cash flow
// approximation. It is undefined when the beginning value is not positive, or
// when the flow-adjusted base is not positive.
func PeriodTWRR(beginning, ending, netFlow decimal.Decimal) decimal.NullDecimal {
	if !beginning.IsPositive() {
		return decimal.NullDecimal{}
	}
	adjusted := beginning.Add(netFlow.Div(two))
	if !adjusted.IsPositive() {
		return decimal.NullDecimal{}
	}
	r := ending.Sub(adjusted).DivRound(adjusted, Precision)
	return decimal.NewNullDecimal(r)
}

// Chained links a period return onto a cumulative return geometrically.
func Chained(cumulative, period decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(cumulative).
		Mul(decimal.NewFromInt(1).Add(period)).
		Sub(decimal.NewFromInt(1)).
		Round(Precision)
}

// Step derives the metrics of one record from the account's prior state. It is
// a pure function of its inputs.
func Step(rec *model.CanonicalPerformanceRecord, prev State, policy UndefinedPolicy) (model.DerivedMetrics, State) {
	netFlow := NetFlow(rec)
	period := PeriodTWRR(rec.BeginningMarketValue, rec.EndingMarketValue, netFlow)

	next := State{
		CumulativeNetFlow: prev.CumulativeNetFlow.Add(netFlow),
		CumulativeTWRR:    prev.CumulativeTWRR,
		Undefined:         prev.Undefined,
		LastDate:          rec.AsOfDate,
		Periods:           prev.Periods + 1,
	}

	m := model.DerivedMetrics{
		NetFlow:           netFlow,
		CumulativeNetFlow: next.CumulativeNetFlow,
		CalculatedTWRR:    period,
	}

	switch {
	case !period.Valid:
		if policy != PolicyResume {
			next.Undefined = true
		}
	case next.Undefined:
		// propagate: nothing chains past an undefined period
	default:
		next.CumulativeTWRR = Chained(prev.CumulativeTWRR, period.Decimal)
		m.CumulativeTWRR = decimal.NewNullDecimal(next.CumulativeTWRR)
	}

	return m, next
}

// Chain folds Step over one account's records, which the caller must have
// sorted by ascending as-of date. A record repeating its predecessor's date
// supersedes it: it is computed from the state before the earlier record, so
// the last duplicate matches what the gateway keeps. Duplicates, records
// dated before their predecessor and periods whose return is undefined are
// reported as warnings.
func Chain(records []*model.CanonicalPerformanceRecord, policy UndefinedPolicy) ([]model.DerivedMetrics, State, []model.Warning) {
	var (
		state    State
		before   State
		warnings []model.Warning
	)
	out := make([]model.DerivedMetrics, len(records))

	for i, rec := range records {
		base := state
		switch {
		case state.Periods > 0 && rec.AsOfDate.Equal(state.LastDate):
			warnings = append(warnings, model.Warning{
				Kind:      model.IssueOrderingViolation,
				AccountID: rec.AccountID,
				Message: fmt.Sprintf("account %s: duplicate record dated %s (row %d) supersedes the earlier one",
					rec.AccountID, rec.AsOfDate.Format(model.DateLayout), rec.SourceRow),
			})
			base = before
		case state.Periods > 0 && rec.AsOfDate.Before(state.LastDate):
			warnings = append(warnings, model.Warning{
				Kind:      model.IssueOrderingViolation,
				AccountID: rec.AccountID,
				Message: fmt.Sprintf("account %s: record dated %s follows %s (row %d)",
					rec.AccountID, rec.AsOfDate.Format(model.DateLayout), state.LastDate.Format(model.DateLayout), rec.SourceRow),
			})
		}

		before = base
		out[i], state = Step(rec, base, policy)

		if !out[i].CalculatedTWRR.Valid {
			warnings = append(warnings, model.Warning{
				Kind:      model.IssueCalculationUndefined,
				AccountID: rec.AccountID,
				Message: fmt.Sprintf("account %s %s: period return undefined (beginning market value %s)",
					rec.AccountID, rec.AsOfDate.Format(model.DateLayout), rec.BeginningMarketValue),
			})
		}
	}
	return out, state, warnings
}

// PartitionByAccount groups records by account and orders each group by
// as-of date, keeping input order for equal dates. Groups are returned in
// account order. A record that arrives dated before an earlier record of the
// same account is reported as an ordering violation.
func PartitionByAccount(records []*model.CanonicalPerformanceRecord) ([][]*model.CanonicalPerformanceRecord, []model.Warning) {
	byAccount := make(map[string][]*model.CanonicalPerformanceRecord)
	latest := make(map[string]*model.CanonicalPerformanceRecord)
	var warnings []model.Warning

	for _, r := range records {
		byAccount[r.AccountID] = append(byAccount[r.AccountID], r)
		prev, ok := latest[r.AccountID]
		switch {
		case !ok || r.AsOfDate.After(prev.AsOfDate):
			latest[r.AccountID] = r
		case r.AsOfDate.Before(prev.AsOfDate):
			warnings = append(warnings, model.Warning{
				Kind:      model.IssueOrderingViolation,
				AccountID: r.AccountID,
				Message: fmt.Sprintf("account %s: record dated %s (row %d) arrived after %s (row %d); processed in date order",
					r.AccountID, r.AsOfDate.Format(model.DateLayout), r.SourceRow,
					prev.AsOfDate.Format(model.DateLayout), prev.SourceRow),
			})
		}
	}

	accounts := make([]string, 0, len(byAccount))
	for a := range byAccount {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	out := make([][]*model.CanonicalPerformanceRecord, 0, len(accounts))
	for _, a := range accounts {
		group := byAccount[a]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].AsOfDate.Before(group[j].AsOfDate)
		})
		out = append(out, group)
	}
	return out, warnings
}
