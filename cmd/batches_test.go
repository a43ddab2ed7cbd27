package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/perf-recon/internal/model"
	"github.com/sells-group/perf-recon/internal/monitoring"
)

func TestFormatBatchList(t *testing.T) {
	started := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	done := started.Add(1500 * time.Millisecond)

	var buf bytes.Buffer
	formatBatchList(&buf, []model.BatchRun{
		{
			ID:          "0d6f1c9e-2b7a-4c55-9a0e-5f1d2a3b4c5d",
			Vendor:      "vendor_a",
			FileName:    "vendor_a_2024q1_performance_extract_final.csv",
			Status:      model.BatchStatusCompleted,
			StartedAt:   started,
			CompletedAt: &done,
			Summary:     &model.ProcessingSummary{TotalRecords: 42, PassRate: 1},
		},
		{ID: "b2", Vendor: "vendor_b", Status: model.BatchStatusRunning, StartedAt: started},
	})

	out := buf.String()
	assert.Contains(t, out, "0d6f1c9e ")
	assert.NotContains(t, out, "2b7a")
	assert.Contains(t, out, "vendor_a_2024q1_performance...")
	assert.Contains(t, out, "100.00%")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "2024-03-01 09:30")
	assert.Contains(t, out, "RUNNING")
}

func TestFormatStats(t *testing.T) {
	var buf bytes.Buffer
	formatStats(&buf, &monitoring.MetricsSnapshot{
		LookbackHours:     24,
		BatchesTotal:      3,
		BatchesCompleted:  1,
		BatchesWithIssues: 1,
		BatchesFailed:     1,
		BatchFailRate:     1.0 / 3.0,
		RecordsTotal:      30,
		QuarantinedRows:   2,
		PassedChecks:      80,
		FailedChecks:      4,
		PassRate:          80.0 / 84.0,
		Vendors: map[string]monitoring.VendorMetrics{
			"vendor_b": {Batches: 1, Failed: 1},
			"vendor_a": {Batches: 2, PassRate: 0.95},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Batches (last 24h): 3 total, 1 completed, 1 with issues, 1 failed, 0 running")
	assert.Contains(t, out, "Batch failure rate: 33.33%")
	assert.Contains(t, out, "Records: 30 (2 quarantined)")
	assert.Contains(t, out, "pass rate 95.24%")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("vendor_a")), bytes.Index(buf.Bytes(), []byte("vendor_b")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", truncateID("abc"))
}
