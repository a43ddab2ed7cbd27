// Package monitoring rolls recent batch runs into health metrics and raises
// webhook alerts when batches fail or reconciliation quality drops.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/perf-recon/internal/model"
)

// maxBatchesScanned bounds how many recent batches one snapshot reads.
const maxBatchesScanned = 1000

// VendorMetrics is the per-vendor slice of a snapshot.
type VendorMetrics struct {
	Batches      int     `json:"batches"`
	Failed       int     `json:"failed"`
	PassedChecks int     `json:"passed_checks"`
	FailedChecks int     `json:"failed_checks"`
	PassRate     float64 `json:"pass_rate"`
}

// MetricsSnapshot holds a point-in-time view of reconciliation health.
type MetricsSnapshot struct {
	// Batch outcomes (within lookback window).
	BatchesTotal      int      `json:"batches_total"`
	BatchesCompleted  int      `json:"batches_completed"`
	BatchesWithIssues int      `json:"batches_with_issues"`
	BatchesFailed     int      `json:"batches_failed"`
	BatchesRunning    int      `json:"batches_running"`
	BatchFailRate     float64  `json:"batch_fail_rate"`
	FailedBatchIDs    []string `json:"failed_batch_ids,omitempty"`

	// Record and check totals across finished batches.
	RecordsTotal    int     `json:"records_total"`
	QuarantinedRows int     `json:"quarantined_rows"`
	PassedChecks    int     `json:"passed_checks"`
	FailedChecks    int     `json:"failed_checks"`
	PassRate        float64 `json:"pass_rate"`

	FailuresByField map[string]int           `json:"failures_by_field"`
	Vendors         map[string]VendorMetrics `json:"vendors"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BatchLister is the part of the persistence gateway the collector reads.
type BatchLister interface {
	ListBatches(ctx context.Context, filter model.BatchFilter) ([]model.BatchRun, error)
}

// Collector gathers metrics from the batch run log.
type Collector struct {
	store BatchLister
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st BatchLister) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over batches started within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours:   lookbackHours,
		CollectedAt:     now,
		FailuresByField: make(map[string]int),
		Vendors:         make(map[string]VendorMetrics),
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListBatches(ctx, model.BatchFilter{Limit: maxBatchesScanned})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}

	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.BatchesTotal++
		vm := snap.Vendors[r.Vendor]
		vm.Batches++

		switch r.Status {
		case model.BatchStatusCompleted:
			snap.BatchesCompleted++
		case model.BatchStatusCompletedWithIssues:
			snap.BatchesWithIssues++
		case model.BatchStatusFailed:
			snap.BatchesFailed++
			snap.FailedBatchIDs = append(snap.FailedBatchIDs, r.ID)
			vm.Failed++
		case model.BatchStatusRunning:
			snap.BatchesRunning++
		}

		if s := r.Summary; s != nil {
			snap.RecordsTotal += s.TotalRecords
			snap.QuarantinedRows += s.QuarantinedRows
			snap.PassedChecks += s.PassedChecks
			snap.FailedChecks += s.FailedChecks
			vm.PassedChecks += s.PassedChecks
			vm.FailedChecks += s.FailedChecks
			for f, n := range s.FailuresByField {
				snap.FailuresByField[f] += n
			}
		}
		snap.Vendors[r.Vendor] = vm
	}

	if finished := snap.BatchesTotal - snap.BatchesRunning; finished > 0 {
		snap.BatchFailRate = float64(snap.BatchesFailed) / float64(finished)
	}
	snap.PassRate = ratio(snap.PassedChecks, snap.FailedChecks)
	for v, vm := range snap.Vendors {
		vm.PassRate = ratio(vm.PassedChecks, vm.FailedChecks)
		snap.Vendors[v] = vm
	}
	sort.Strings(snap.FailedBatchIDs)

	return snap, nil
}

func ratio(passed, failed int) float64 {
	if passed+failed == 0 {
		return 0
	}
	return float64(passed) / float64(passed+failed)
}
