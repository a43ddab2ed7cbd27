// Package quality rolls reconciliation outcomes and quarantined rows into a
// batch processing summary.
package quality

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/perf-recon/internal/model"
)

// RecommendedPassRate is the pass rate below which the summary recommends a
// data quality review.
const RecommendedPassRate = 0.95

// Config holds the aggregation thresholds.
type Config struct {
	// RejectionCeiling is the largest tolerated fraction of quarantined rows.
	RejectionCeiling float64
}

// Validate checks the ceiling is a fraction.
func (c Config) Validate() error {
	if c.RejectionCeiling < 0 || c.RejectionCeiling > 1 {
		return eris.Errorf("quality: rejection ceiling %v outside [0, 1]", c.RejectionCeiling)
	}
	return nil
}

// Input is everything one batch produced before aggregation.
type Input struct {
	BatchID      string
	Vendor       string
	FileName     string
	TotalRecords int
	Results      []model.ReconciliationResult
	Rejections   []model.Rejection
	Warnings     []model.Warning
	Errors       []string
}

// Summarize builds the batch summary in a single pass. Quarantined rows count
// as failed checks.
func Summarize(in Input, cfg Config) model.ProcessingSummary {
	s := model.ProcessingSummary{
		BatchID:         in.BatchID,
		Vendor:          in.Vendor,
		FileName:        in.FileName,
		TotalRecords:    in.TotalRecords,
		QuarantinedRows: len(in.Rejections),
		FailuresByField: make(map[string]int),
		Warnings:        make([]string, 0, len(in.Warnings)),
		Errors:          make([]string, 0, len(in.Rejections)+len(in.Errors)),
	}
	s.AcceptedRecords = s.TotalRecords - s.QuarantinedRows
	if s.AcceptedRecords < 0 {
		s.AcceptedRecords = 0
	}

	for _, r := range in.Results {
		if r.WithinTolerance {
			s.PassedChecks++
			continue
		}
		s.FailedChecks++
		s.FailuresByField[r.FieldName]++
	}
	if s.QuarantinedRows > 0 {
		s.FailedChecks += s.QuarantinedRows
		s.FailuresByField[string(model.IssueSchema)] = s.QuarantinedRows
	}

	if checks := s.PassedChecks + s.FailedChecks; checks > 0 {
		s.PassRate = float64(s.PassedChecks) / float64(checks)
	}

	for _, w := range in.Warnings {
		s.Warnings = append(s.Warnings, w.String())
	}
	for _, rej := range in.Rejections {
		s.Errors = append(s.Errors, rej.String())
	}
	s.Errors = append(s.Errors, in.Errors...)

	s.OverallStatus = status(s, cfg)
	s.Recommendations = recommendations(s, cfg)
	return s
}

// RejectionRate is the quarantined fraction of all rows.
func RejectionRate(s model.ProcessingSummary) float64 {
	if s.TotalRecords == 0 {
		return 0
	}
	return float64(s.QuarantinedRows) / float64(s.TotalRecords)
}

func status(s model.ProcessingSummary, cfg Config) model.BatchStatus {
	switch {
	case RejectionRate(s) > cfg.RejectionCeiling:
		return model.BatchStatusFailed
	case s.PassRate < 1.0 || s.QuarantinedRows > 0:
		return model.BatchStatusCompletedWithIssues
	default:
		return model.BatchStatusCompleted
	}
}

func recommendations(s model.ProcessingSummary, cfg Config) []string {
	var out []string

	if s.OverallStatus == model.BatchStatusFailed {
		out = append(out, fmt.Sprintf(
			"%.1f%% of rows were quarantined (ceiling %.1f%%); request a corrected file from %s.",
			RejectionRate(s)*100, cfg.RejectionCeiling*100, vendorName(s.Vendor)))
	}
	if s.PassedChecks+s.FailedChecks > 0 && s.PassRate < RecommendedPassRate {
		out = append(out, fmt.Sprintf(
			"Pass rate %.2f%% is below %.0f%%; review calculation inputs and vendor data quality.",
			s.PassRate*100, RecommendedPassRate*100))
	}

	fields := make([]string, 0, len(s.FailuresByField))
	for f := range s.FailuresByField {
		if f != string(model.IssueSchema) {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	for _, f := range fields {
		out = append(out, fmt.Sprintf(
			"%d %s checks failed; investigate tolerance thresholds and data accuracy.", s.FailuresByField[f], f))
	}

	if s.QuarantinedRows > 0 && s.OverallStatus != model.BatchStatusFailed {
		out = append(out, fmt.Sprintf("%d rows were quarantined for schema errors; correct and resubmit them.", s.QuarantinedRows))
	}
	if len(s.Warnings) > 0 {
		out = append(out, fmt.Sprintf("%d data quality warnings raised; manual review recommended.", len(s.Warnings)))
	}
	if len(out) == 0 {
		out = append(out, "All reconciliation checks passed. Data quality is acceptable.")
	}
	return out
}

func vendorName(v string) string {
	if v == "" {
		return "the vendor"
	}
	return v
}
