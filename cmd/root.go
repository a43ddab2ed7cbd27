package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/perf-recon/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "perf-recon",
	Short: "Vendor performance reconciliation engine",
	Long: "Normalizes vendor performance files onto a canonical record, recomputes net flow and " +
		"time-weighted returns, reconciles them against vendor-reported figures and persists the results.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
