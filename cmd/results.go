package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/perf-recon/internal/model"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List reconciliation results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := model.ResultFilter{}
		filter.BatchID, _ = cmd.Flags().GetString("batch")
		filter.AccountID, _ = cmd.Flags().GetString("account")
		filter.FieldName, _ = cmd.Flags().GetString("field")
		filter.FailuresOnly, _ = cmd.Flags().GetBool("failures")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		filter.Offset, _ = cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		results, err := st.ListResults(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "results")
		}
		if asJSON {
			return writeJSON(os.Stdout, results)
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No results found.")
			return nil
		}
		formatResults(os.Stdout, results)
		return nil
	},
}

func init() {
	resultsCmd.Flags().String("batch", "", "filter by batch id")
	resultsCmd.Flags().String("account", "", "filter by account id")
	resultsCmd.Flags().String("field", "", "filter by field (twrr, ending_market_value, net_flow)")
	resultsCmd.Flags().Bool("failures", false, "only results outside tolerance")
	resultsCmd.Flags().Int("limit", 100, "max number of results")
	resultsCmd.Flags().Int("offset", 0, "results to skip")
	resultsCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(resultsCmd)
}

// formatResults writes a tabular list of results to w.
func formatResults(out io.Writer, results []model.ReconciliationResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ACCOUNT\tAS OF\tFIELD\tCALCULATED\tVENDOR\tVARIANCE\tTOLERANCE\tOK")

	for _, r := range results {
		vendor, variance := "-", "-"
		if r.VendorValue.Valid {
			vendor = r.VendorValue.Decimal.String()
		}
		if r.Variance.Valid {
			variance = r.Variance.Decimal.String()
		}
		ok := "yes"
		if !r.WithinTolerance {
			ok = "NO"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.AccountID,
			r.AsOfDate.Format(model.DateLayout),
			r.FieldName,
			r.CalculatedValue.String(),
			vendor,
			variance,
			r.ToleranceThreshold.String(),
			ok,
		)
	}
	_ = w.Flush()
}
