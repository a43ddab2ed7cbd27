package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/perf-recon/internal/model"
	"github.com/sells-group/perf-recon/internal/monitoring"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect processed batches",
}

// -- batches list --

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processed batches, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		vendor, _ := cmd.Flags().GetString("vendor")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListBatches(ctx, model.BatchFilter{
			Vendor: vendor,
			Status: model.BatchStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "batches list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}

		formatBatchList(os.Stdout, runs)
		return nil
	},
}

// -- batches show --

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch and its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "batches show")
		}
		return writeJSON(os.Stdout, run)
	},
}

// -- batches stats --

var batchesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize batch health over a lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("hours")
		asJSON, _ := cmd.Flags().GetBool("json")

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "batches stats")
		}
		if asJSON {
			return writeJSON(os.Stdout, snap)
		}
		formatStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	batchesStatsCmd.Flags().Int("hours", 24, "lookback window in hours")
	batchesStatsCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	batchesCmd.AddCommand(batchesStatsCmd)

	batchesListCmd.Flags().String("vendor", "", "filter by vendor")
	batchesListCmd.Flags().String("status", "", "filter by status (RUNNING, COMPLETED, COMPLETED_WITH_ISSUES, FAILED)")
	batchesListCmd.Flags().Int("limit", 50, "max number of batches to display")

	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	rootCmd.AddCommand(batchesCmd)
}

// formatBatchList writes a tabular list of batches to w.
func formatBatchList(out io.Writer, runs []model.BatchRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVENDOR\tFILE\tSTATUS\tRECORDS\tPASS RATE\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t------\t-------\t---------\t-------\t--------")

	for _, r := range runs {
		records, passRate := "-", "-"
		if r.Summary != nil {
			records = fmt.Sprintf("%d", r.Summary.TotalRecords)
			passRate = fmt.Sprintf("%.2f%%", r.Summary.PassRate*100)
		}
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Vendor,
			truncate(r.FileName, 30),
			r.Status,
			records,
			passRate,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatStats writes a health snapshot as a short report.
func formatStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	_, _ = fmt.Fprintf(out, "Batches (last %dh): %d total, %d completed, %d with issues, %d failed, %d running\n",
		s.LookbackHours, s.BatchesTotal, s.BatchesCompleted, s.BatchesWithIssues, s.BatchesFailed, s.BatchesRunning)
	_, _ = fmt.Fprintf(out, "Batch failure rate: %.2f%%\n", s.BatchFailRate*100)
	_, _ = fmt.Fprintf(out, "Records: %d (%d quarantined)\n", s.RecordsTotal, s.QuarantinedRows)
	_, _ = fmt.Fprintf(out, "Checks: %d passed, %d failed (pass rate %.2f%%)\n",
		s.PassedChecks, s.FailedChecks, s.PassRate*100)

	if len(s.Vendors) == 0 {
		return
	}
	vendors := make([]string, 0, len(s.Vendors))
	for v := range s.Vendors {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VENDOR\tBATCHES\tFAILED\tPASS RATE")
	for _, v := range vendors {
		vm := s.Vendors[v]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%.2f%%\n", v, vm.Batches, vm.Failed, vm.PassRate*100)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
