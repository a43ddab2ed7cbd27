package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/perf-recon/internal/mapping"
)

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "List configured vendor mappings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		formatVendors(os.Stdout, reg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vendorsCmd)
}

// formatVendors writes one line per registered vendor.
func formatVendors(out io.Writer, reg *mapping.Registry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VENDOR\tFORMATS\tFILE PATTERNS\tFIELDS")
	for _, name := range reg.Vendors() {
		m, err := reg.Get(name)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			m.Vendor,
			strings.Join(m.FileFormats, ","),
			strings.Join(m.FilePatterns, ","),
			len(m.Fields),
		)
	}
	_ = w.Flush()
}
