package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/sells-group/perf-recon/internal/db"
	"github.com/sells-group/perf-recon/internal/model"
)

// SQLiteStore implements Gateway on a local SQLite file. Decimals are stored
// as text so no precision is lost.
type SQLiteStore struct {
	db  *sql.DB
	dsn string
}

// NewSQLite opens the database at dsn in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn, dsn: dsn}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(_ context.Context) error {
	return eris.Wrap(db.MigrateSQLite(s.dsn), "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertRecord = `INSERT INTO performance_records (` +
	`account_id, as_of_date, portfolio_id, vendor, batch_id, source_row, ` +
	`beginning_market_value, contributions, distributions, income, appreciation, ` +
	`fees, other_adjustments, ending_market_value, vendor_twrr, benchmark_return, vendor_net_flow, ` +
	`net_flow, cumulative_net_flow, calculated_twrr, cumulative_twrr, updated_at) ` +
	`VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
	`ON CONFLICT (account_id, as_of_date) DO UPDATE SET ` +
	`portfolio_id = excluded.portfolio_id, vendor = excluded.vendor, batch_id = excluded.batch_id, ` +
	`source_row = excluded.source_row, beginning_market_value = excluded.beginning_market_value, ` +
	`contributions = excluded.contributions, distributions = excluded.distributions, ` +
	`income = excluded.income, appreciation = excluded.appreciation, fees = excluded.fees, ` +
	`other_adjustments = excluded.other_adjustments, ending_market_value = excluded.ending_market_value, ` +
	`vendor_twrr = excluded.vendor_twrr, benchmark_return = excluded.benchmark_return, ` +
	`vendor_net_flow = excluded.vendor_net_flow, net_flow = excluded.net_flow, ` +
	`cumulative_net_flow = excluded.cumulative_net_flow, calculated_twrr = excluded.calculated_twrr, ` +
	`cumulative_twrr = excluded.cumulative_twrr, updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertRecords(ctx context.Context, batchID string, rows []model.PerformanceRow) (int64, error) {
	rows = dedupeRows(rows)
	if len(rows) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	return s.inTx(ctx, "upsert records", sqliteUpsertRecord, len(rows), func(stmt *sql.Stmt, i int) error {
		rec, m := rows[i].Record, rows[i].Metrics
		_, err := stmt.ExecContext(ctx,
			rec.AccountID, rec.AsOfDate.Format(model.DateLayout), rec.PortfolioID, rec.Vendor, batchID, rec.SourceRow,
			rec.BeginningMarketValue.String(), rec.Contributions.String(), rec.Distributions.String(),
			rec.Income.String(), rec.Appreciation.String(), rec.Fees.String(),
			rec.OtherAdjustments.String(), rec.EndingMarketValue.String(),
			nullText(rec.VendorTWRR), nullText(rec.BenchmarkReturn), nullText(rec.VendorNetFlow),
			m.NetFlow.String(), m.CumulativeNetFlow.String(),
			nullText(m.CalculatedTWRR), nullText(m.CumulativeTWRR), now,
		)
		return err
	})
}

const sqliteUpsertResult = `INSERT INTO reconciliation_results (` +
	`account_id, as_of_date, field_name, calculated_value, vendor_value, variance, ` +
	`tolerance_threshold, within_tolerance, notes, batch_id, updated_at) ` +
	`VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
	`ON CONFLICT (account_id, as_of_date, field_name) DO UPDATE SET ` +
	`calculated_value = excluded.calculated_value, vendor_value = excluded.vendor_value, ` +
	`variance = excluded.variance, tolerance_threshold = excluded.tolerance_threshold, ` +
	`within_tolerance = excluded.within_tolerance, notes = excluded.notes, ` +
	`batch_id = excluded.batch_id, updated_at = excluded.updated_at`

func (s *SQLiteStore) ReplaceResults(ctx context.Context, batchID string, keys []model.NaturalKey, results []model.ReconciliationResult) (int64, error) {
	keys = replacedKeys(keys, results)
	if len(keys) == 0 {
		return 0, nil
	}
	results = dedupeResults(results)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: replace results: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	del, err := tx.PrepareContext(ctx, `DELETE FROM reconciliation_results WHERE account_id = ? AND as_of_date = ?`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: replace results: prepare delete")
	}
	defer del.Close() //nolint:errcheck

	for _, k := range keys {
		if _, err := del.ExecContext(ctx, k.AccountID, k.AsOfDate.Format(model.DateLayout)); err != nil {
			return 0, eris.Wrapf(err, "sqlite: replace results: delete %s", k)
		}
	}

	ins, err := tx.PrepareContext(ctx, sqliteUpsertResult)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: replace results: prepare insert")
	}
	defer ins.Close() //nolint:errcheck

	for i, r := range results {
		_, err := ins.ExecContext(ctx,
			r.AccountID, r.AsOfDate.Format(model.DateLayout), r.FieldName, r.CalculatedValue.String(),
			nullText(r.VendorValue), nullText(r.Variance), r.ToleranceThreshold.String(),
			r.WithinTolerance, r.Notes, batchID, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: replace results: row %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: replace results: commit")
	}
	return int64(len(results)), nil
}

// inTx runs one prepared statement n times inside a single transaction.
func (s *SQLiteStore) inTx(ctx context.Context, op, query string, n int, exec func(stmt *sql.Stmt, i int) error) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s: begin tx", op)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s: prepare", op)
	}
	defer stmt.Close() //nolint:errcheck

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			return 0, eris.Wrapf(err, "sqlite: %s: row %d", op, i)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s: commit", op)
	}
	return int64(n), nil
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, run *model.BatchRun) error {
	summary, counts, err := encodeSummary(run.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	var summaryText sql.NullString
	if summary != nil {
		summaryText = sql.NullString{String: string(summary), Valid: true}
	}
	var completed sql.NullTime
	if run.CompletedAt != nil {
		completed = sql.NullTime{Time: run.CompletedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_runs
			(id, vendor, file_name, status, started_at, completed_at, total_records, passed_checks, failed_checks, summary, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			total_records = excluded.total_records,
			passed_checks = excluded.passed_checks,
			failed_checks = excluded.failed_checks,
			summary = excluded.summary,
			error = excluded.error`,
		run.ID, run.Vendor, run.FileName, string(run.Status), run.StartedAt.UTC(), completed,
		counts.total, counts.passed, counts.failed, summaryText, run.Error,
	)
	return eris.Wrapf(err, "sqlite: save batch %s", run.ID)
}

const sqliteBatchSelect = `SELECT id, vendor, file_name, status, started_at, completed_at, summary, error FROM batch_runs`

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.BatchRun, error) {
	run, err := scanSQLiteBatch(s.db.QueryRowContext(ctx, sqliteBatchSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	return run, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter model.BatchFilter) ([]model.BatchRun, error) {
	query := sqliteBatchSelect + ` WHERE 1=1`
	var args []any

	if filter.Vendor != "" {
		query += ` AND vendor = ?`
		args = append(args, filter.Vendor)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, pageLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.BatchRun
	for rows.Next() {
		run, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter model.ResultFilter) ([]model.ReconciliationResult, error) {
	query := `SELECT account_id, as_of_date, field_name, calculated_value, vendor_value, variance,
		tolerance_threshold, within_tolerance, notes FROM reconciliation_results WHERE 1=1`
	var args []any

	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.FieldName != "" {
		query += ` AND field_name = ?`
		args = append(args, filter.FieldName)
	}
	if filter.FailuresOnly {
		query += ` AND within_tolerance = 0`
	}
	query += ` ORDER BY account_id, as_of_date, field_name LIMIT ?`
	args = append(args, pageLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReconciliationResult
	for rows.Next() {
		var r model.ReconciliationResult
		var date, calc, tol string
		var vendor, variance sql.NullString
		if err := rows.Scan(&r.AccountID, &date, &r.FieldName, &calc, &vendor, &variance,
			&tol, &r.WithinTolerance, &r.Notes); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}

		var errs []error
		r.AsOfDate, err = time.Parse(model.DateLayout, date)
		errs = append(errs, err)
		r.CalculatedValue, err = decimal.NewFromString(calc)
		errs = append(errs, err)
		r.ToleranceThreshold, err = decimal.NewFromString(tol)
		errs = append(errs, err)
		r.VendorValue, err = parseNullText(vendor)
		errs = append(errs, err)
		r.Variance, err = parseNullText(variance)
		errs = append(errs, err)
		if err := errors.Join(errs...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode result %s@%s %s", r.AccountID, date, r.FieldName)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, key model.NaturalKey) (*model.PerformanceRow, error) {
	var row model.PerformanceRow
	var date string
	var text [8]string
	var nullable [7]sql.NullString
	rec, m := &row.Record, &row.Metrics

	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, as_of_date, portfolio_id, vendor, source_row,
			beginning_market_value, contributions, distributions, income, appreciation,
			fees, other_adjustments, ending_market_value, net_flow, cumulative_net_flow,
			vendor_twrr, benchmark_return, vendor_net_flow, calculated_twrr, cumulative_twrr
		 FROM performance_records WHERE account_id = ? AND as_of_date = ?`,
		key.AccountID, key.AsOfDate.Format(model.DateLayout),
	).Scan(&rec.AccountID, &date, &rec.PortfolioID, &rec.Vendor, &rec.SourceRow,
		&text[0], &text[1], &text[2], &text[3], &text[4], &text[5], &text[6], &text[7],
		&nullable[0], &nullable[1], &nullable[2], &nullable[3], &nullable[4], &nullable[5], &nullable[6])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: record %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", key)
	}

	rec.AsOfDate, err = time.Parse(model.DateLayout, date)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode record %s", key)
	}

	fixed := []*decimal.Decimal{
		&rec.BeginningMarketValue, &rec.Contributions, &rec.Distributions, &rec.Income,
		&rec.Appreciation, &rec.Fees, &rec.OtherAdjustments, &rec.EndingMarketValue,
	}
	for i, dst := range fixed {
		if *dst, err = decimal.NewFromString(text[i]); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode record %s", key)
		}
	}

	if m.NetFlow, err = decimal.NewFromString(nullable[0].String); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode record %s", key)
	}
	if m.CumulativeNetFlow, err = decimal.NewFromString(nullable[1].String); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode record %s", key)
	}
	optional := []*decimal.NullDecimal{
		&rec.VendorTWRR, &rec.BenchmarkReturn, &rec.VendorNetFlow, &m.CalculatedTWRR, &m.CumulativeTWRR,
	}
	for i, dst := range optional {
		if *dst, err = parseNullText(nullable[i+2]); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode record %s", key)
		}
	}
	return &row, nil
}

func nullText(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNullText(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func scanSQLiteBatch(row scannable) (*model.BatchRun, error) {
	var (
		r         model.BatchRun
		status    string
		completed sql.NullTime
		summary   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Vendor, &r.FileName, &status, &r.StartedAt, &completed, &summary, &r.Error); err != nil {
		return nil, err
	}
	r.Status = model.BatchStatus(status)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if summary.Valid && summary.String != "" {
		r.Summary = &model.ProcessingSummary{}
		if err := json.Unmarshal([]byte(summary.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &r, nil
}
