package normalize

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/perf-recon/internal/mapping"
	"github.com/sells-group/perf-recon/internal/model"
)

func testMapping(t *testing.T) *mapping.VendorFieldMapping {
	t.Helper()
	m, err := mapping.Parse([]byte(`
vendor: vendor_a
date_formats: ["YYYY-MM-DD", "MM/DD/YYYY"]
fields:
  account_id: { aliases: [acct_id, account_id] }
  portfolio_id: { aliases: [port_id] }
  as_of_date: { aliases: [report_date] }
  beginning_market_value: { aliases: [beginning_mv] }
  contributions: { aliases: [deposits] }
  distributions: { aliases: [withdrawals] }
  income: { aliases: [dividend] }
  ending_market_value: { aliases: [ending_mv] }
  vendor_twrr: { aliases: [twr] }
  benchmark_return: { aliases: [bmk_pct], scale: 0.01 }
`))
	require.NoError(t, err)
	return m
}

func TestNormalize_Accepts(t *testing.T) {
	n := New(testMapping(t))

	rec, rej, _ := n.Normalize(model.RawRow{
		"acct_id":      "ACC-1",
		"port_id":      "P-9",
		"report_date":  "2024-01-31",
		"beginning_mv": "1,000,000.00",
		"deposits":     "50000",
		"withdrawals":  "",
		"ending_mv":    "$1,080,000",
		"twr":          "0.0537",
		"bmk_pct":      "4.1",
	}, 1)
	require.Nil(t, rej)
	require.NotNil(t, rec)

	assert.Equal(t, "ACC-1", rec.AccountID)
	assert.Equal(t, "P-9", rec.PortfolioID)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), rec.AsOfDate)
	assert.True(t, rec.BeginningMarketValue.Equal(decimal.NewFromInt(1_000_000)))
	assert.True(t, rec.Contributions.Equal(decimal.NewFromInt(50_000)))
	assert.True(t, rec.Distributions.IsZero())
	assert.True(t, rec.Income.IsZero())
	assert.True(t, rec.EndingMarketValue.Equal(decimal.NewFromInt(1_080_000)))
	assert.True(t, rec.VendorTWRR.Valid)
	assert.Equal(t, "0.0537", rec.VendorTWRR.Decimal.String())
	assert.True(t, rec.BenchmarkReturn.Valid)
	assert.Equal(t, "0.041", rec.BenchmarkReturn.Decimal.String())
	assert.False(t, rec.VendorNetFlow.Valid)
	assert.Equal(t, "vendor_a", rec.Vendor)
	assert.Equal(t, 1, rec.SourceRow)
}

func TestNormalize_AliasPriority(t *testing.T) {
	n := New(testMapping(t))

	rec, rej, _ := n.Normalize(model.RawRow{
		"acct_id":      "",
		"account_id":   "FALLBACK",
		"report_date":  "2024-01-31",
		"beginning_mv": "1",
		"ending_mv":    "1",
	}, 1)
	require.Nil(t, rej)
	assert.Equal(t, "FALLBACK", rec.AccountID, "empty first alias falls through to the next")

	rec, rej, _ = n.Normalize(model.RawRow{
		"acct_id":      "FIRST",
		"account_id":   "SECOND",
		"report_date":  "2024-01-31",
		"beginning_mv": "1",
		"ending_mv":    "1",
	}, 2)
	require.Nil(t, rej)
	assert.Equal(t, "FIRST", rec.AccountID)
}

func TestNormalize_CaseInsensitiveAliases(t *testing.T) {
	n := New(testMapping(t))

	rec, rej, _ := n.Normalize(model.RawRow{
		"ACCT_ID":      "A1",
		"Report_Date":  "02/29/2024",
		"Beginning_MV": "10",
		"ENDING_MV":    "11",
	}, 1)
	require.Nil(t, rej)
	assert.Equal(t, "A1", rec.AccountID)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), rec.AsOfDate)
}

func TestNormalize_MissingAccountID(t *testing.T) {
	n := New(testMapping(t))

	rec, rej, _ := n.Normalize(model.RawRow{
		"report_date":  "2024-01-31",
		"beginning_mv": "100",
		"ending_mv":    "101",
	}, 7)
	assert.Nil(t, rec)
	require.NotNil(t, rej)
	assert.Equal(t, 7, rej.Row)
	assert.Equal(t, []string{"account_id"}, rej.MissingFields)
	assert.Empty(t, rej.InvalidFields)
	assert.Contains(t, rej.String(), "schema_error: row 7: missing account_id")
}

func TestNormalize_RecordsAllRequiredFailures(t *testing.T) {
	n := New(testMapping(t))

	rec, rej, warnings := n.Normalize(model.RawRow{
		"acct_id":     "A1",
		"report_date": "31.01.2024",
		"ending_mv":   "abc",
		"deposits":    "12x",
		"twr":         "null",
	}, 3)
	assert.Nil(t, rec)
	assert.Empty(t, warnings)
	require.NotNil(t, rej)
	assert.Equal(t, "A1", rej.AccountID)
	assert.Equal(t, []string{"beginning_market_value"}, rej.MissingFields)
	assert.Equal(t, []string{"as_of_date", "ending_market_value"}, rej.InvalidFields)
	assert.Equal(t, []string{"beginning_market_value", "as_of_date", "ending_market_value"}, rej.Fields())
}

func TestNormalize_InvalidOptionalFieldsAreWarnings(t *testing.T) {
	n := New(testMapping(t))

	rec, rej, warnings := n.Normalize(model.RawRow{
		"acct_id":      "A1",
		"port_id":      "P1",
		"report_date":  "2024-01-31",
		"beginning_mv": "1000",
		"ending_mv":    "1010",
		"deposits":     "12x",
		"twr":          "abc",
	}, 4)
	require.Nil(t, rej)
	require.NotNil(t, rec)
	assert.True(t, rec.Contributions.IsZero())
	assert.False(t, rec.VendorTWRR.Valid)
	assert.True(t, rec.EndingMarketValue.Equal(decimal.RequireFromString("1010")))

	require.Len(t, warnings, 1)
	assert.Equal(t, model.IssueSchema, warnings[0].Kind)
	assert.Equal(t, "A1", warnings[0].AccountID)
	assert.Equal(t, "P1", warnings[0].PortfolioID)
	assert.Contains(t, warnings[0].Message, "row 4")
	assert.Contains(t, warnings[0].Message, `contributions="12x"`)
	assert.Contains(t, warnings[0].Message, `vendor_twrr="abc"`)
}

func TestNormalize_NullTokensAreAbsent(t *testing.T) {
	n := New(testMapping(t))

	rec, rej, _ := n.Normalize(model.RawRow{
		"acct_id":      "A1",
		"report_date":  "2024-01-31",
		"beginning_mv": "100",
		"ending_mv":    "101",
		"twr":          "NaN",
		"dividend":     "N/A",
	}, 1)
	require.Nil(t, rej)
	assert.False(t, rec.VendorTWRR.Valid)
	assert.True(t, rec.Income.IsZero())
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1234.5", "1234.5"},
		{"1,234.50", "1234.5"},
		{"$1,000", "1000"},
		{"(250.25)", "-250.25"},
		{"5.37%", "0.0537"},
		{"-0.0001", "-0.0001"},
		{"1e-4", "0.0001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDecimal(tt.in)
			require.NoError(t, err)
			assert.True(t, d.Equal(decimal.RequireFromString(tt.want)), "got %s", d)
		})
	}

	_, err := ParseDecimal("twelve")
	assert.Error(t, err)
}

func TestParseDate_FirstMatchWins(t *testing.T) {
	layouts := []string{"01/02/2006", "02/01/2006"}

	d, ok := ParseDate("03/04/2024", layouts)
	require.True(t, ok)
	assert.Equal(t, time.March, d.Month())

	d, ok = ParseDate("25/04/2024", layouts)
	require.True(t, ok)
	assert.Equal(t, time.April, d.Month())

	_, ok = ParseDate("2024-04-25", layouts)
	assert.False(t, ok)
}
