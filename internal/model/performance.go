package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical as-of date format used for keys, storage and JSON.
const DateLayout = "2006-01-02"

// RawRow is one vendor row before normalization: source field name to raw value.
type RawRow map[string]string

// NaturalKey identifies a canonical record in persisted storage.
type NaturalKey struct {
	AccountID string
	AsOfDate  time.Time
}

// String renders the key as "account@date".
func (k NaturalKey) String() string {
	return k.AccountID + "@" + k.AsOfDate.Format(DateLayout)
}

// CanonicalPerformanceRecord is the vendor-agnostic representation of one
// performance row. Records are created once by the normalizer and never mutated.
type CanonicalPerformanceRecord struct {
	AccountID            string              `json:"account_id"`
	PortfolioID          string              `json:"portfolio_id,omitempty"`
	AsOfDate             time.Time           `json:"as_of_date"`
	BeginningMarketValue decimal.Decimal     `json:"beginning_market_value"`
	Contributions        decimal.Decimal     `json:"contributions"`
	Distributions        decimal.Decimal     `json:"distributions"`
	Income               decimal.Decimal     `json:"income"`
	Appreciation         decimal.Decimal     `json:"appreciation"`
	Fees                 decimal.Decimal     `json:"fees"`
	OtherAdjustments     decimal.Decimal     `json:"other_adjustments"`
	EndingMarketValue    decimal.Decimal     `json:"ending_market_value"`
	VendorTWRR           decimal.NullDecimal `json:"vendor_twrr"`
	BenchmarkReturn      decimal.NullDecimal `json:"benchmark_return"`
	VendorNetFlow        decimal.NullDecimal `json:"vendor_net_flow"`

	// Provenance.
	Vendor    string `json:"vendor"`
	SourceRow int    `json:"source_row"`
}

// Key returns the record's natural key.
func (r *CanonicalPerformanceRecord) Key() NaturalKey {
	return NaturalKey{AccountID: r.AccountID, AsOfDate: r.AsOfDate}
}

// DerivedMetrics are computed exactly once per canonical record from the
// record and the prior cumulative state of its account.
type DerivedMetrics struct {
	NetFlow           decimal.Decimal     `json:"net_flow"`
	CumulativeNetFlow decimal.Decimal     `json:"cumulative_net_flow"`
	CalculatedTWRR    decimal.NullDecimal `json:"calculated_twrr"`
	CumulativeTWRR    decimal.NullDecimal `json:"cumulative_twrr"`
}

// PerformanceRow pairs a canonical record with its derived metrics. It is the
// unit written to the persistence gateway.
type PerformanceRow struct {
	Record  CanonicalPerformanceRecord `json:"record"`
	Metrics DerivedMetrics             `json:"metrics"`
}
