package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Comparable field names emitted on reconciliation results.
const (
	FieldTWRR              = "twrr"
	FieldEndingMarketValue = "ending_market_value"
	FieldNetFlow           = "net_flow"
)

// ReconciliationResult is one (record, comparable field) comparison.
// VendorValue and Variance are null only when the vendor value was missing
// and the engine runs with the fail-missing policy.
type ReconciliationResult struct {
	AccountID          string              `json:"account_id"`
	AsOfDate           time.Time           `json:"as_of_date"`
	FieldName          string              `json:"field_name"`
	CalculatedValue    decimal.Decimal     `json:"calculated_value"`
	VendorValue        decimal.NullDecimal `json:"vendor_value"`
	Variance           decimal.NullDecimal `json:"variance"`
	ToleranceThreshold decimal.Decimal     `json:"tolerance_threshold"`
	WithinTolerance    bool                `json:"within_tolerance"`
	Notes              string              `json:"notes,omitempty"`
}

// ResultFilter narrows a reconciliation result listing.
type ResultFilter struct {
	BatchID      string `json:"batch_id,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	FieldName    string `json:"field_name,omitempty"`
	FailuresOnly bool   `json:"failures_only,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}
