package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vendorYAML = `
vendor: acme
file_patterns: [acme_]
file_formats: [csv, xlsx]
date_formats: ["YYYY-MM-DD", "01/02/2006"]
fields:
  account_id: { aliases: [acct, account_id] }
  as_of_date: { aliases: [report_date], type: date }
  beginning_market_value: { aliases: [begin_mv], type: double }
  ending_market_value: { aliases: [end_mv], type: numeric }
  vendor_twrr: { aliases: [twr_pct], scale: 0.01 }
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(vendorYAML))
	require.NoError(t, err)

	assert.Equal(t, "acme", m.Vendor)
	assert.Equal(t, DefaultRequired, m.Required)
	assert.Equal(t, []string{"acct", "account_id"}, m.Fields[AccountID].Aliases)
	assert.Equal(t, TypeString, m.Fields[AccountID].Type)
	assert.Equal(t, TypeDecimal, m.Fields[BeginningMarketValue].Type)
	assert.Equal(t, TypeDecimal, m.Fields[EndingMarketValue].Type)
	require.NotNil(t, m.Fields[VendorTWRR].Scale)
	assert.Equal(t, "0.01", m.Fields[VendorTWRR].Scale.String())
	assert.Equal(t, []string{"2006-01-02", "01/02/2006"}, m.Layouts())
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("vendor: x\nunexpected: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse descriptor")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing vendor", "fields: {}\nrequired: [account_id]\n", "vendor is required"},
		{"unknown field", "vendor: x\nrequired: [account_id]\nfields:\n  account_id: {aliases: [a]}\n  colour: {aliases: [c]}\n", "unknown canonical field colour"},
		{"no aliases", "vendor: x\nrequired: [account_id]\nfields:\n  account_id: {aliases: []}\n", "at least one alias"},
		{"type mismatch", "vendor: x\nrequired: [account_id]\nfields:\n  account_id: {aliases: [a], type: date}\n", "does not match"},
		{"unmapped required", "vendor: x\nrequired: [account_id, fees]\nfields:\n  account_id: {aliases: [a]}\n", "required field fees has no mapping"},
		{"non canonical required", "vendor: x\nrequired: [colour]\nfields: {}\n", "colour is not canonical"},
		{"no date formats", "vendor: x\nrequired: [as_of_date]\nfields:\n  as_of_date: {aliases: [d]}\n", "date_formats"},
		{"scale on string", "vendor: x\nrequired: [account_id]\nfields:\n  account_id: {aliases: [a], scale: 2}\n", "scale only applies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAcceptsFile(t *testing.T) {
	m, err := Parse([]byte(vendorYAML))
	require.NoError(t, err)

	assert.True(t, m.AcceptsFile("acme_2024.csv"))
	assert.True(t, m.AcceptsFile("ACME_2024.XLSX"))
	assert.False(t, m.AcceptsFile("acme_2024.json"))

	open := &VendorFieldMapping{Vendor: "any"}
	assert.True(t, open.AcceptsFile("whatever.bin"))
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/vendor.yaml")
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(vendorYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	reg, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, reg.Vendors())

	m, err := reg.Get("ACME")
	require.NoError(t, err)
	assert.Equal(t, "acme", m.Vendor)

	_, err = reg.Get("other")
	assert.Error(t, err)
}

func TestLoadDir_Empty(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no descriptors")
}

func TestLoadDir_ShippedDescriptors(t *testing.T) {
	reg, err := LoadDir(filepath.Join("..", "..", "mappings"))
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor_a", "vendor_b", "vendor_c"}, reg.Vendors())

	tests := []struct {
		file   string
		vendor string
	}{
		{"vendor_a_performance_20240131.csv", "vendor_a"},
		{"incoming/VB_perf.xlsx", "vendor_b"},
		{"vendorc_feed.json", "vendor_c"},
	}
	for _, tt := range tests {
		m, ok := reg.Detect(tt.file)
		require.True(t, ok, tt.file)
		assert.Equal(t, tt.vendor, m.Vendor)
		assert.True(t, m.AcceptsFile(tt.file))
	}

	_, ok := reg.Detect("unknown_feed.csv")
	assert.False(t, ok)
}

func TestNewRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry(&VendorFieldMapping{Vendor: "a"}, &VendorFieldMapping{Vendor: "A"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate vendor")
}
