package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/perf-recon/internal/config"
	"github.com/sells-group/perf-recon/internal/mapping"
	"github.com/sells-group/perf-recon/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// setTestConfig points the global config at a temp SQLite database and the
// repository's vendor mappings.
func setTestConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "recon.db")},
		Reconcile: config.ReconcileConfig{
			MappingsDir:           filepath.Join("..", "mappings"),
			Tolerances:            map[string]float64{"twrr": 0.0001, "ending_market_value": 0.01, "net_flow": 0.01},
			MissingVendorPolicy:   "skip",
			UndefinedPolicy:       "propagate",
			RejectionCeiling:      0.05,
			MaxConcurrentAccounts: 4,
			OutlierSigma:          3,
		},
		Server: config.ServerConfig{Port: 8080, RequestsPerSecond: 1000, Burst: 1000, AllowedOrigins: []string{"*"}},
		Monitoring: config.MonitoringConfig{
			FailureRateThreshold: 0.2,
			PassRateThreshold:    0.95,
			LookbackWindowHours:  24,
			CheckIntervalSecs:    300,
		},
		Log: config.LogConfig{Level: "info", Format: "json"},
	}
	t.Cleanup(func() { cfg = prev })
}

func testStore(t *testing.T) store.Gateway {
	t.Helper()
	st, err := initStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testRegistry(t *testing.T) *mapping.Registry {
	t.Helper()
	reg, err := loadRegistry()
	require.NoError(t, err)
	return reg
}

const vendorACSV = `acct_id,port_id,report_date,beginning_mv,deposits,withdrawals,dividend,unrealized_gl,management_fee,adjustments,ending_mv,twr
A1,P1,2024-01-31,1000,0,0,0,10,0,0,1010,0.01
A1,P1,2024-02-29,1010,0,0,0,20.2,0,0,1030.2,0.02
A2,P1,2024-01-31,500,0,0,0,5,0,0,505,0.05
`

func writeVendorFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
