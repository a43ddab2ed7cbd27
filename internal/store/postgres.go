package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/perf-recon/internal/db"
	"github.com/sells-group/perf-recon/internal/model"
	"github.com/sells-group/perf-recon/internal/resilience"
)

const (
	recordsTable = "recon.performance_records"
	resultsTable = "recon.reconciliation_results"
)

var recordColumns = []string{
	"account_id", "as_of_date", "portfolio_id", "vendor", "batch_id", "source_row",
	"beginning_market_value", "contributions", "distributions", "income", "appreciation",
	"fees", "other_adjustments", "ending_market_value",
	"vendor_twrr", "benchmark_return", "vendor_net_flow",
	"net_flow", "cumulative_net_flow", "calculated_twrr", "cumulative_twrr",
	"updated_at",
}

var resultColumns = []string{
	"account_id", "as_of_date", "field_name", "calculated_value", "vendor_value",
	"variance", "tolerance_threshold", "within_tolerance", "notes", "batch_id", "updated_at",
}

// PostgresStore implements Gateway on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool sizing.
type PoolConfig struct {
	MaxConns int32 `mapstructure:"max_conns"`
	MinConns int32 `mapstructure:"min_conns"`
}

// NewPostgres opens a pool and pings it, retrying transient connection
// failures.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("postgres: ping")
	if err := resilience.Do(ctx, retry, pool.Ping); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	zap.L().Info("postgres store connected",
		zap.Int32("max_conns", pgxCfg.MaxConns),
		zap.Int32("min_conns", pgxCfg.MinConns),
	)
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertRecords(ctx context.Context, batchID string, rows []model.PerformanceRow) (int64, error) {
	rows = dedupeRows(rows)
	now := time.Now().UTC()

	values := make([][]any, len(rows))
	for i, r := range rows {
		rec, m := r.Record, r.Metrics
		values[i] = []any{
			rec.AccountID, rec.AsOfDate, rec.PortfolioID, rec.Vendor, batchID, int32(rec.SourceRow),
			db.Numeric(rec.BeginningMarketValue), db.Numeric(rec.Contributions), db.Numeric(rec.Distributions),
			db.Numeric(rec.Income), db.Numeric(rec.Appreciation), db.Numeric(rec.Fees),
			db.Numeric(rec.OtherAdjustments), db.Numeric(rec.EndingMarketValue),
			db.NullNumeric(rec.VendorTWRR), db.NullNumeric(rec.BenchmarkReturn), db.NullNumeric(rec.VendorNetFlow),
			db.Numeric(m.NetFlow), db.Numeric(m.CumulativeNetFlow),
			db.NullNumeric(m.CalculatedTWRR), db.NullNumeric(m.CumulativeTWRR),
			now,
		}
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        recordsTable,
		Columns:      recordColumns,
		ConflictKeys: []string{"account_id", "as_of_date"},
	}, values)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: upsert records for batch %s", batchID)
	}
	return n, nil
}

const deleteResultsByKey = `DELETE FROM recon.reconciliation_results r ` +
	`USING unnest($1::text[], $2::date[]) AS k(account_id, as_of_date) ` +
	`WHERE r.account_id = k.account_id AND r.as_of_date = k.as_of_date`

func (s *PostgresStore) ReplaceResults(ctx context.Context, batchID string, keys []model.NaturalKey, results []model.ReconciliationResult) (int64, error) {
	keys = replacedKeys(keys, results)
	if len(keys) == 0 {
		return 0, nil
	}
	results = dedupeResults(results)
	now := time.Now().UTC()

	accounts := make([]string, len(keys))
	dates := make([]time.Time, len(keys))
	for i, k := range keys {
		accounts[i], dates[i] = k.AccountID, k.AsOfDate
	}

	values := make([][]any, len(results))
	for i, r := range results {
		values[i] = []any{
			r.AccountID, r.AsOfDate, r.FieldName, db.Numeric(r.CalculatedValue), db.NullNumeric(r.VendorValue),
			db.NullNumeric(r.Variance), db.Numeric(r.ToleranceThreshold), r.WithinTolerance, r.Notes,
			batchID, now,
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: replace results for batch %s: begin tx", batchID)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, deleteResultsByKey, accounts, dates); err != nil {
		return 0, eris.Wrapf(err, "postgres: replace results for batch %s: delete", batchID)
	}

	n, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        resultsTable,
		Columns:      resultColumns,
		ConflictKeys: []string{"account_id", "as_of_date", "field_name"},
	}, values)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: replace results for batch %s", batchID)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "postgres: replace results for batch %s: commit", batchID)
	}
	return n, nil
}

func (s *PostgresStore) SaveBatch(ctx context.Context, run *model.BatchRun) error {
	summary, counts, err := encodeSummary(run.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO recon.batch_runs
			(id, vendor, file_name, status, started_at, completed_at, total_records, passed_checks, failed_checks, summary, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			total_records = EXCLUDED.total_records,
			passed_checks = EXCLUDED.passed_checks,
			failed_checks = EXCLUDED.failed_checks,
			summary = EXCLUDED.summary,
			error = EXCLUDED.error`,
		run.ID, run.Vendor, run.FileName, string(run.Status), run.StartedAt, run.CompletedAt,
		counts.total, counts.passed, counts.failed, summary, run.Error,
	)
	return eris.Wrapf(err, "postgres: save batch %s", run.ID)
}

const batchSelect = `SELECT id, vendor, file_name, status, started_at, completed_at, summary, error FROM recon.batch_runs`

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.BatchRun, error) {
	run, err := scanBatch(s.pool.QueryRow(ctx, batchSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	return run, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter model.BatchFilter) ([]model.BatchRun, error) {
	query := batchSelect + ` WHERE true`
	var args []any

	if filter.Vendor != "" {
		args = append(args, filter.Vendor)
		query += fmt.Sprintf(` AND vendor = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, pageLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		run, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func (s *PostgresStore) ListResults(ctx context.Context, filter model.ResultFilter) ([]model.ReconciliationResult, error) {
	query := `SELECT account_id, as_of_date, field_name, calculated_value, vendor_value, variance,
		tolerance_threshold, within_tolerance, notes FROM recon.reconciliation_results WHERE true`
	var args []any

	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		query += fmt.Sprintf(` AND batch_id = $%d`, len(args))
	}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		query += fmt.Sprintf(` AND account_id = $%d`, len(args))
	}
	if filter.FieldName != "" {
		args = append(args, filter.FieldName)
		query += fmt.Sprintf(` AND field_name = $%d`, len(args))
	}
	if filter.FailuresOnly {
		query += ` AND NOT within_tolerance`
	}
	args = append(args, pageLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY account_id, as_of_date, field_name LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.ReconciliationResult
	for rows.Next() {
		var r model.ReconciliationResult
		var calc, vendor, variance, tolNum pgtype.Numeric
		if err := rows.Scan(&r.AccountID, &r.AsOfDate, &r.FieldName, &calc, &vendor, &variance,
			&tolNum, &r.WithinTolerance, &r.Notes); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r.CalculatedValue = db.Decimal(calc)
		r.VendorValue = db.NullDecimal(vendor)
		r.Variance = db.NullDecimal(variance)
		r.ToleranceThreshold = db.Decimal(tolNum)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) GetRecord(ctx context.Context, key model.NaturalKey) (*model.PerformanceRow, error) {
	var row model.PerformanceRow
	var nums [15]pgtype.Numeric
	var src int32
	rec, m := &row.Record, &row.Metrics

	err := s.pool.QueryRow(ctx,
		`SELECT account_id, as_of_date, portfolio_id, vendor, source_row,
			beginning_market_value, contributions, distributions, income, appreciation,
			fees, other_adjustments, ending_market_value, vendor_twrr, benchmark_return, vendor_net_flow,
			net_flow, cumulative_net_flow, calculated_twrr, cumulative_twrr
		 FROM recon.performance_records WHERE account_id = $1 AND as_of_date = $2`,
		key.AccountID, key.AsOfDate,
	).Scan(&rec.AccountID, &rec.AsOfDate, &rec.PortfolioID, &rec.Vendor, &src,
		&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5], &nums[6], &nums[7],
		&nums[8], &nums[9], &nums[10], &nums[11], &nums[12], &nums[13], &nums[14])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: record %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", key)
	}

	rec.SourceRow = int(src)
	rec.BeginningMarketValue = db.Decimal(nums[0])
	rec.Contributions = db.Decimal(nums[1])
	rec.Distributions = db.Decimal(nums[2])
	rec.Income = db.Decimal(nums[3])
	rec.Appreciation = db.Decimal(nums[4])
	rec.Fees = db.Decimal(nums[5])
	rec.OtherAdjustments = db.Decimal(nums[6])
	rec.EndingMarketValue = db.Decimal(nums[7])
	rec.VendorTWRR = db.NullDecimal(nums[8])
	rec.BenchmarkReturn = db.NullDecimal(nums[9])
	rec.VendorNetFlow = db.NullDecimal(nums[10])
	m.NetFlow = db.Decimal(nums[11])
	m.CumulativeNetFlow = db.Decimal(nums[12])
	m.CalculatedTWRR = db.NullDecimal(nums[13])
	m.CumulativeTWRR = db.NullDecimal(nums[14])
	return &row, nil
}

type batchCounts struct {
	total, passed, failed int32
}

func encodeSummary(s *model.ProcessingSummary) ([]byte, batchCounts, error) {
	if s == nil {
		return nil, batchCounts{}, nil
	}
	data, err := json.Marshal(s)
	return data, batchCounts{
		total:  int32(s.TotalRecords),
		passed: int32(s.PassedChecks),
		failed: int32(s.FailedChecks),
	}, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*model.BatchRun, error) {
	var (
		r       model.BatchRun
		status  string
		summary []byte
	)
	if err := row.Scan(&r.ID, &r.Vendor, &r.FileName, &status, &r.StartedAt, &r.CompletedAt, &summary, &r.Error); err != nil {
		return nil, err
	}
	r.Status = model.BatchStatus(status)
	if len(summary) > 0 {
		r.Summary = &model.ProcessingSummary{}
		if err := json.Unmarshal(summary, r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &r, nil
}
