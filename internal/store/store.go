// Package store implements the persistence gateway for canonical records,
// reconciliation results and the batch run log.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/perf-recon/internal/model"
)

// ErrNotFound is returned (wrapped) when a lookup matches nothing.
var ErrNotFound = eris.New("store: not found")

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Gateway persists batch output. Writes are idempotent on the natural key:
// (account_id, as_of_date) for records and (account_id, as_of_date,
// field_name) for results. Reprocessing overwrites, never duplicates.
type Gateway interface {
	// Batch output
	UpsertRecords(ctx context.Context, batchID string, rows []model.PerformanceRow) (int64, error)
	// ReplaceResults removes every stored result of keys and of the results'
	// own keys, then writes results, in one transaction.
	ReplaceResults(ctx context.Context, batchID string, keys []model.NaturalKey, results []model.ReconciliationResult) (int64, error)

	// Batch run log
	SaveBatch(ctx context.Context, run *model.BatchRun) error
	GetBatch(ctx context.Context, id string) (*model.BatchRun, error)
	ListBatches(ctx context.Context, filter model.BatchFilter) ([]model.BatchRun, error)

	// Queries
	ListResults(ctx context.Context, filter model.ResultFilter) ([]model.ReconciliationResult, error)
	GetRecord(ctx context.Context, key model.NaturalKey) (*model.PerformanceRow, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// dedupeRows keeps the last row for each natural key, preserving the order in
// which keys first appeared.
func dedupeRows(rows []model.PerformanceRow) []model.PerformanceRow {
	index := make(map[model.NaturalKey]int, len(rows))
	out := make([]model.PerformanceRow, 0, len(rows))
	for _, r := range rows {
		k := r.Record.Key()
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

// replacedKeys merges keys with the natural keys of results, without
// duplicates, in first-seen order.
func replacedKeys(keys []model.NaturalKey, results []model.ReconciliationResult) []model.NaturalKey {
	seen := make(map[model.NaturalKey]bool, len(keys))
	out := make([]model.NaturalKey, 0, len(keys))
	add := func(k model.NaturalKey) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range keys {
		add(k)
	}
	for _, r := range results {
		add(model.NaturalKey{AccountID: r.AccountID, AsOfDate: r.AsOfDate})
	}
	return out
}

type resultKey struct {
	key   model.NaturalKey
	field string
}

// dedupeResults keeps the last result for each (natural key, field).
func dedupeResults(results []model.ReconciliationResult) []model.ReconciliationResult {
	index := make(map[resultKey]int, len(results))
	out := make([]model.ReconciliationResult, 0, len(results))
	for _, r := range results {
		k := resultKey{key: model.NaturalKey{AccountID: r.AccountID, AsOfDate: r.AsOfDate}, field: r.FieldName}
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

func pageLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
