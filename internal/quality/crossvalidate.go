package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/perf-recon/internal/model"
)

// CrossValidate checks accounts that share a portfolio against each other. It
// flags portfolios whose accounts report different as-of dates, and period
// returns further than sigma sample standard deviations from the portfolio
// mean. Rows without a portfolio are ignored.
func CrossValidate(rows []model.PerformanceRow, sigma float64) []model.Warning {
	byPortfolio := make(map[string][]model.PerformanceRow)
	for _, r := range rows {
		if r.Record.PortfolioID == "" {
			continue
		}
		byPortfolio[r.Record.PortfolioID] = append(byPortfolio[r.Record.PortfolioID], r)
	}

	portfolios := make([]string, 0, len(byPortfolio))
	for p := range byPortfolio {
		portfolios = append(portfolios, p)
	}
	sort.Strings(portfolios)

	var out []model.Warning
	for _, p := range portfolios {
		group := byPortfolio[p]
		if w, ok := dateConsistency(p, group); ok {
			out = append(out, w)
		}
		if sigma > 0 {
			out = append(out, outliers(p, group, sigma)...)
		}
	}
	return out
}

func dateConsistency(portfolio string, rows []model.PerformanceRow) (model.Warning, bool) {
	dates := make(map[string]map[time.Time]struct{})
	for _, r := range rows {
		set, ok := dates[r.Record.AccountID]
		if !ok {
			set = make(map[time.Time]struct{})
			dates[r.Record.AccountID] = set
		}
		set[r.Record.AsOfDate] = struct{}{}
	}
	if len(dates) < 2 {
		return model.Warning{}, false
	}

	signatures := make(map[string]struct{})
	union := make(map[time.Time]struct{})
	for _, set := range dates {
		keys := make([]string, 0, len(set))
		for d := range set {
			keys = append(keys, d.Format(model.DateLayout))
			union[d] = struct{}{}
		}
		sort.Strings(keys)
		signatures[strings.Join(keys, ",")] = struct{}{}
	}
	if len(signatures) == 1 {
		return model.Warning{}, false
	}

	return model.Warning{
		Kind:        model.IssueCrossValidation,
		PortfolioID: portfolio,
		Message: fmt.Sprintf("portfolio %s: inconsistent as-of dates across accounts (%d distinct dates, %d accounts)",
			portfolio, len(union), len(dates)),
	}, true
}

func outliers(portfolio string, rows []model.PerformanceRow, sigma float64) []model.Warning {
	var values []float64
	for _, r := range rows {
		if !r.Metrics.CalculatedTWRR.Valid {
			continue
		}
		v, _ := r.Metrics.CalculatedTWRR.Decimal.Float64()
		values = append(values, v)
	}
	if len(values) < 2 {
		return nil
	}

	mean, std := meanStd(values)
	if std == 0 {
		return nil
	}

	var out []model.Warning
	for _, r := range rows {
		if !r.Metrics.CalculatedTWRR.Valid {
			continue
		}
		v, _ := r.Metrics.CalculatedTWRR.Decimal.Float64()
		if math.Abs(v-mean) <= sigma*std {
			continue
		}
		out = append(out, model.Warning{
			Kind:        model.IssueCrossValidation,
			AccountID:   r.Record.AccountID,
			PortfolioID: portfolio,
			Message: fmt.Sprintf("portfolio %s: account %s %s return %.6f is more than %g standard deviations from mean %.6f (std %.6f)",
				portfolio, r.Record.AccountID, r.Record.AsOfDate.Format(model.DateLayout), v, sigma, mean, std),
		})
	}
	return out
}

// meanStd returns the mean and sample standard deviation.
func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}
