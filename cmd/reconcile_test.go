package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/perf-recon/internal/model"
)

func TestResolveVendor(t *testing.T) {
	setTestConfig(t)
	reg := testRegistry(t)

	m, err := resolveVendor(reg, "", "/data/vendor_a_2024q1.csv")
	require.NoError(t, err)
	assert.Equal(t, "vendor_a", m.Vendor)

	m, err = resolveVendor(reg, "vendor_c", "export.json")
	require.NoError(t, err)
	assert.Equal(t, "vendor_c", m.Vendor)

	_, err = resolveVendor(reg, "", "statement.csv")
	assert.ErrorContains(t, err, "cannot detect vendor")

	_, err = resolveVendor(reg, "", "vendor_a_2024q1.xlsx")
	assert.ErrorContains(t, err, "does not deliver")

	_, err = resolveVendor(reg, "vendor_z", "vendor_a.csv")
	assert.Error(t, err)
}

func TestReconcileFile_EndToEnd(t *testing.T) {
	setTestConfig(t)
	st := testStore(t)
	reg := testRegistry(t)
	ctx := context.Background()

	path := writeVendorFile(t, "vendor_a_2024q1.csv", vendorACSV)
	m, err := resolveVendor(reg, "", path)
	require.NoError(t, err)

	eng, err := newEngine(st, nil)
	require.NoError(t, err)

	out, err := reconcileFile(ctx, eng, m, path, "batch-e2e")
	require.NoError(t, err)

	s := out.Summary
	assert.Equal(t, 3, s.TotalRecords)
	assert.Equal(t, 5, s.PassedChecks)
	assert.Equal(t, 1, s.FailedChecks, "A2 reports 0.05 against a calculated 0.01")
	assert.Equal(t, 1, s.FailuresByField["twrr"])
	assert.Equal(t, model.BatchStatusCompletedWithIssues, s.OverallStatus)

	run, err := st.GetBatch(ctx, "batch-e2e")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompletedWithIssues, run.Status)
	assert.Equal(t, "vendor_a_2024q1.csv", run.FileName)

	failures, err := st.ListResults(ctx, model.ResultFilter{BatchID: "batch-e2e", FailuresOnly: true})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "A2", failures[0].AccountID)

	// Reprocessing the same file overwrites instead of duplicating.
	_, err = reconcileFile(ctx, eng, m, path, "batch-e2e-2")
	require.NoError(t, err)
	all, err := st.ListResults(ctx, model.ResultFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestReconcileFile_CorrectedFileClearsStaleFailure(t *testing.T) {
	setTestConfig(t)
	st := testStore(t)
	reg := testRegistry(t)
	ctx := context.Background()

	eng, err := newEngine(st, nil)
	require.NoError(t, err)
	m, err := reg.Get("vendor_a")
	require.NoError(t, err)

	_, err = reconcileFile(ctx, eng, m, writeVendorFile(t, "vendor_a_2024q1.csv", vendorACSV), "batch-orig")
	require.NoError(t, err)

	corrected := `acct_id,port_id,report_date,beginning_mv,deposits,withdrawals,dividend,unrealized_gl,management_fee,adjustments,ending_mv,twr
A2,P1,2024-01-31,500,0,0,0,5,0,0,505,
`
	_, err = reconcileFile(ctx, eng, m, writeVendorFile(t, "vendor_a_2024q1_fix.csv", corrected), "batch-fix")
	require.NoError(t, err)

	failures, err := st.ListResults(ctx, model.ResultFilter{FailuresOnly: true})
	require.NoError(t, err)
	assert.Empty(t, failures, "A2 twrr is no longer compared after the correction")

	all, err := st.ListResults(ctx, model.ResultFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	fixed, err := st.ListResults(ctx, model.ResultFilter{BatchID: "batch-fix"})
	require.NoError(t, err)
	require.Len(t, fixed, 1)
	assert.Equal(t, "A2", fixed[0].AccountID)
	assert.True(t, fixed[0].WithinTolerance)
}

func TestReconcileFile_DuplicateRowStoresSingleCompounding(t *testing.T) {
	setTestConfig(t)
	st := testStore(t)
	reg := testRegistry(t)
	ctx := context.Background()

	eng, err := newEngine(st, nil)
	require.NoError(t, err)
	m, err := reg.Get("vendor_a")
	require.NoError(t, err)

	dup := vendorACSV + "A1,P1,2024-01-31,1000,0,0,0,10,0,0,1010,0.01\n"
	out, err := reconcileFile(ctx, eng, m, writeVendorFile(t, "vendor_a_dup.csv", dup), "batch-dup")
	require.NoError(t, err)
	assert.NotEmpty(t, out.Warnings)

	jan, err := st.GetRecord(ctx, model.NaturalKey{AccountID: "A1", AsOfDate: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.True(t, jan.Metrics.CumulativeTWRR.Valid)
	assert.True(t, jan.Metrics.CumulativeTWRR.Decimal.Equal(decimal.RequireFromString("0.01")), jan.Metrics.CumulativeTWRR.Decimal.String())

	feb, err := st.GetRecord(ctx, model.NaturalKey{AccountID: "A1", AsOfDate: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.True(t, feb.Metrics.CumulativeTWRR.Valid)
	assert.True(t, feb.Metrics.CumulativeTWRR.Decimal.Equal(decimal.RequireFromString("0.0302")), feb.Metrics.CumulativeTWRR.Decimal.String())
}

func TestReconcileFile_ReadError(t *testing.T) {
	setTestConfig(t)
	reg := testRegistry(t)
	m, err := reg.Get("vendor_a")
	require.NoError(t, err)

	eng, err := newEngine(testStore(t), nil)
	require.NoError(t, err)

	_, err = reconcileFile(context.Background(), eng, m, "/nonexistent/vendor_a.csv", "")
	assert.ErrorContains(t, err, "reconcile: read")
}

func TestNewEngine_InvalidPolicy(t *testing.T) {
	setTestConfig(t)
	cfg.Reconcile.UndefinedPolicy = "zero"
	_, err := newEngine(nil, nil)
	assert.Error(t, err)
}

func TestInitPublisher_Disabled(t *testing.T) {
	setTestConfig(t)
	pub, err := initPublisher()
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, &model.ProcessingSummary{
		BatchID:         "b-1",
		Vendor:          "vendor_a",
		FileName:        "vendor_a_2024q1.csv",
		TotalRecords:    100,
		AcceptedRecords: 98,
		QuarantinedRows: 2,
		PassedChecks:    190,
		FailedChecks:    8,
		PassRate:        0.9596,
		OverallStatus:   model.BatchStatusCompletedWithIssues,
		FailuresByField: map[string]int{"twrr": 6, "schema_error": 2},
		Errors:          []string{"schema_error: row 4: missing account_id"},
	})

	out := buf.String()
	assert.Contains(t, out, "COMPLETED_WITH_ISSUES")
	assert.Contains(t, out, "98 accepted, 2 quarantined")
	assert.Contains(t, out, "95.96%")
	assert.Contains(t, out, "schema_error:")
	assert.Contains(t, out, "Errors (1):")
	assert.NotContains(t, out, "Warnings")
}

func TestPrintList_Truncates(t *testing.T) {
	items := make([]string, 15)
	for i := range items {
		items[i] = "warning"
	}
	var buf bytes.Buffer
	printList(&buf, "Warnings", items)
	assert.Contains(t, buf.String(), "... 5 more")
}
