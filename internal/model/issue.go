package model

import (
	"fmt"
	"strings"
)

// IssueKind classifies a data-quality outcome. Every kind except
// IssuePersistenceConflict is an expected business outcome carried as data.
type IssueKind string

const (
	IssueSchema               IssueKind = "schema_error"
	IssueCalculationUndefined IssueKind = "calculation_undefined"
	IssueToleranceViolation   IssueKind = "tolerance_violation"
	IssueOrderingViolation    IssueKind = "ordering_violation"
	IssueCrossValidation      IssueKind = "cross_validation"
	IssuePersistenceConflict  IssueKind = "persistence_conflict"
)

// Rejection is the structured SchemaError emitted when a raw row cannot be
// normalized. The row is quarantined; the batch continues.
type Rejection struct {
	Row           int      `json:"row"`
	Vendor        string   `json:"vendor"`
	AccountID     string   `json:"account_id,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`
	InvalidFields []string `json:"invalid_fields,omitempty"`
}

// Fields returns every canonical field that failed, missing first.
func (r *Rejection) Fields() []string {
	out := make([]string, 0, len(r.MissingFields)+len(r.InvalidFields))
	out = append(out, r.MissingFields...)
	return append(out, r.InvalidFields...)
}

func (r *Rejection) String() string {
	var parts []string
	if len(r.MissingFields) > 0 {
		parts = append(parts, "missing "+strings.Join(r.MissingFields, ", "))
	}
	if len(r.InvalidFields) > 0 {
		parts = append(parts, "invalid "+strings.Join(r.InvalidFields, ", "))
	}
	return fmt.Sprintf("%s: row %d: %s", IssueSchema, r.Row, strings.Join(parts, "; "))
}

// Warning is a batch-level data-quality finding that does not reject a row.
type Warning struct {
	Kind        IssueKind `json:"kind"`
	AccountID   string    `json:"account_id,omitempty"`
	PortfolioID string    `json:"portfolio_id,omitempty"`
	Message     string    `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}
