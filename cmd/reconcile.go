package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/perf-recon/internal/calc"
	"github.com/sells-group/perf-recon/internal/ingest"
	"github.com/sells-group/perf-recon/internal/mapping"
	"github.com/sells-group/perf-recon/internal/model"
	"github.com/sells-group/perf-recon/internal/pipeline"
	"github.com/sells-group/perf-recon/internal/publish"
	"github.com/sells-group/perf-recon/internal/reconcile"
	"github.com/sells-group/perf-recon/internal/resilience"
)

// errBatchFailed marks a run in which at least one batch ended FAILED.
var errBatchFailed = errors.New("one or more batches failed")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <file>...",
	Short: "Reconcile vendor performance files",
	Long: "Reads each file, resolves its vendor from --vendor or the file name, and runs it as one batch. " +
		"The batch summary is printed to stdout.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("reconcile"); err != nil {
			return err
		}

		vendor, _ := cmd.Flags().GetString("vendor")
		batchID, _ := cmd.Flags().GetString("batch-id")
		asJSON, _ := cmd.Flags().GetBool("json")
		migrate, _ := cmd.Flags().GetBool("migrate")
		if batchID != "" && len(args) > 1 {
			return eris.New("--batch-id applies to a single file")
		}

		reg, err := loadRegistry()
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if migrate {
			if err := st.Migrate(ctx); err != nil {
				return eris.Wrap(err, "reconcile: migrate")
			}
		}

		var publisher pipeline.Publisher
		pub, err := initPublisher()
		if err != nil {
			return err
		}
		if pub != nil {
			defer pub.Close() //nolint:errcheck
			publisher = pub
		}

		eng, err := newEngine(st, publisher)
		if err != nil {
			return err
		}

		failed := false
		for _, path := range args {
			m, err := resolveVendor(reg, vendor, path)
			if err != nil {
				return err
			}
			out, err := reconcileFile(ctx, eng, m, path, batchID)
			if err != nil {
				return err
			}
			if out.Summary.OverallStatus == model.BatchStatusFailed {
				failed = true
			}
			if asJSON {
				if err := writeJSON(os.Stdout, out.Summary); err != nil {
					return err
				}
			} else {
				formatSummary(os.Stdout, &out.Summary)
			}
		}
		if failed {
			return errBatchFailed
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().String("vendor", "", "vendor mapping to apply (default: detect from file name)")
	reconcileCmd.Flags().String("batch-id", "", "batch id to use (default: generated)")
	reconcileCmd.Flags().Bool("json", false, "print the summary as JSON")
	reconcileCmd.Flags().Bool("migrate", false, "apply migrations before processing")
	rootCmd.AddCommand(reconcileCmd)
}

// newEngine builds the batch engine from configuration.
func newEngine(st pipeline.Store, pub pipeline.Publisher) (*pipeline.Engine, error) {
	tol, err := cfg.Tolerances()
	if err != nil {
		return nil, err
	}
	missing, err := reconcile.ParseMissingPolicy(cfg.Reconcile.MissingVendorPolicy)
	if err != nil {
		return nil, err
	}
	undefined, err := calc.ParsePolicy(cfg.Reconcile.UndefinedPolicy)
	if err != nil {
		return nil, err
	}
	rec, err := reconcile.New(tol, missing)
	if err != nil {
		return nil, err
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 3
	return pipeline.New(pipeline.Config{
		UndefinedPolicy:       undefined,
		Quality:               cfg.QualityConfig(),
		OutlierSigma:          cfg.Reconcile.OutlierSigma,
		MaxConcurrentAccounts: cfg.Reconcile.MaxConcurrentAccounts,
		Retry:                 retry,
	}, rec, st, pub), nil
}

// initPublisher dials the broker when one is configured. A nil publisher
// disables summary publication.
func initPublisher() (*publish.Publisher, error) {
	if cfg.AMQP.URL == "" {
		return nil, nil
	}
	return publish.Dial(publish.Config{
		URL:        cfg.AMQP.URL,
		Exchange:   cfg.AMQP.Exchange,
		RoutingKey: cfg.AMQP.RoutingKey,
	})
}

// resolveVendor returns the named mapping, or the one whose file patterns
// match the file name. The file's extension must be one the vendor delivers.
func resolveVendor(reg *mapping.Registry, vendor, path string) (*mapping.VendorFieldMapping, error) {
	name := filepath.Base(path)

	var m *mapping.VendorFieldMapping
	if vendor != "" {
		got, err := reg.Get(vendor)
		if err != nil {
			return nil, err
		}
		m = got
	} else {
		got, ok := reg.Detect(name)
		if !ok {
			return nil, eris.Errorf("cannot detect vendor for %s; pass --vendor", name)
		}
		m = got
	}

	if !m.AcceptsFile(name) {
		return nil, eris.Errorf("vendor %s does not deliver %s files (expected %v)", m.Vendor, filepath.Ext(name), m.FileFormats)
	}
	return m, nil
}

func reconcileFile(ctx context.Context, eng *pipeline.Engine, m *mapping.VendorFieldMapping, path, batchID string) (*pipeline.Outcome, error) {
	rows, err := ingest.ReadFile(ctx, path)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: read %s", path)
	}
	zap.L().Info("file read", zap.String("file", path), zap.String("vendor", m.Vendor), zap.Int("rows", len(rows)))

	return eng.Run(ctx, pipeline.Batch{
		ID:       batchID,
		Mapping:  m,
		FileName: filepath.Base(path),
		Rows:     rows,
	})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatSummary writes a human-readable batch summary to w.
func formatSummary(out io.Writer, s *model.ProcessingSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Batch:\t%s\n", s.BatchID)
	_, _ = fmt.Fprintf(w, "Vendor:\t%s\n", s.Vendor)
	_, _ = fmt.Fprintf(w, "File:\t%s\n", s.FileName)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", s.OverallStatus)
	_, _ = fmt.Fprintf(w, "Records:\t%d (%d accepted, %d quarantined)\n", s.TotalRecords, s.AcceptedRecords, s.QuarantinedRows)
	_, _ = fmt.Fprintf(w, "Checks:\t%d passed, %d failed\n", s.PassedChecks, s.FailedChecks)
	_, _ = fmt.Fprintf(w, "Pass rate:\t%.2f%%\n", s.PassRate*100)

	if len(s.FailuresByField) > 0 {
		fields := make([]string, 0, len(s.FailuresByField))
		for f := range s.FailuresByField {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		_, _ = fmt.Fprintln(w, "Failures by field:")
		for _, f := range fields {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", f, s.FailuresByField[f])
		}
	}
	_ = w.Flush()

	printList(out, "Warnings", s.Warnings)
	printList(out, "Errors", s.Errors)
	printList(out, "Recommendations", s.Recommendations)
}

const maxListed = 10

func printList(out io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	_, _ = fmt.Fprintf(out, "%s (%d):\n", title, len(items))
	for i, item := range items {
		if i == maxListed {
			_, _ = fmt.Fprintf(out, "  ... %d more\n", len(items)-maxListed)
			break
		}
		_, _ = fmt.Fprintf(out, "  - %s\n", item)
	}
}
