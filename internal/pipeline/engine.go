// Package pipeline runs one vendor batch end to end: raw rows are normalized,
// partitioned by account, chained through the metric calculator, reconciled,
// scored and written to the persistence gateway.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/perf-recon/internal/calc"
	"github.com/sells-group/perf-recon/internal/mapping"
	"github.com/sells-group/perf-recon/internal/model"
	"github.com/sells-group/perf-recon/internal/normalize"
	"github.com/sells-group/perf-recon/internal/quality"
	"github.com/sells-group/perf-recon/internal/reconcile"
	"github.com/sells-group/perf-recon/internal/resilience"
)

const (
	defaultMaxConcurrentAccounts = 8
	markFailedTimeout            = 10 * time.Second
)

// Store is the part of the persistence gateway a batch writes to.
type Store interface {
	UpsertRecords(ctx context.Context, batchID string, rows []model.PerformanceRow) (int64, error)
	ReplaceResults(ctx context.Context, batchID string, keys []model.NaturalKey, results []model.ReconciliationResult) (int64, error)
	SaveBatch(ctx context.Context, run *model.BatchRun) error
}

// Publisher announces finalized batch summaries.
type Publisher interface {
	PublishSummary(ctx context.Context, summary *model.ProcessingSummary) error
}

// Config holds the batch engine settings.
type Config struct {
	UndefinedPolicy       calc.UndefinedPolicy
	Quality               quality.Config
	OutlierSigma          float64
	MaxConcurrentAccounts int
	// Retry applies to gateway writes, which are idempotent.
	Retry resilience.RetryConfig
}

// Batch is one vendor file's worth of raw rows.
type Batch struct {
	ID       string // generated when empty
	Mapping  *mapping.VendorFieldMapping
	FileName string
	Rows     []model.RawRow
}

// Outcome is everything a processed batch produced.
type Outcome struct {
	BatchID    string
	Summary    model.ProcessingSummary
	Rows       []model.PerformanceRow
	Results    []model.ReconciliationResult
	Rejections []model.Rejection
	Warnings   []model.Warning
	// States holds each account's cumulative state after its last record.
	States map[string]calc.State
}

// Engine processes batches. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	reconciler *reconcile.Engine
	store      Store
	publisher  Publisher
	now        func() time.Time
}

// New creates an Engine. publisher may be nil.
func New(cfg Config, reconciler *reconcile.Engine, st Store, publisher Publisher) *Engine {
	if cfg.MaxConcurrentAccounts <= 0 {
		cfg.MaxConcurrentAccounts = defaultMaxConcurrentAccounts
	}
	if cfg.UndefinedPolicy == "" {
		cfg.UndefinedPolicy = calc.PolicyPropagate
	}
	return &Engine{
		cfg:        cfg,
		reconciler: reconciler,
		store:      st,
		publisher:  publisher,
		now:        time.Now,
	}
}

// accountOutput is what one account's chain produced.
type accountOutput struct {
	rows     []model.PerformanceRow
	results  []model.ReconciliationResult
	warnings []model.Warning
	state    calc.State
}

// Run processes a batch. Per-row problems are reported in the outcome; the
// only error returned is a *PersistenceError, or the context's error when the
// batch is cancelled. A batch that was started and then aborted is recorded
// as FAILED.
func (e *Engine) Run(ctx context.Context, b Batch) (*Outcome, error) {
	if b.Mapping == nil {
		return nil, eris.New("pipeline: batch has no vendor mapping")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: batch cancelled")
	}

	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("batch_id", b.ID),
		zap.String("vendor", b.Mapping.Vendor),
		zap.String("file", b.FileName),
	)
	log.Info("pipeline: starting batch", zap.Int("rows", len(b.Rows)))

	run := &model.BatchRun{
		ID:        b.ID,
		Vendor:    b.Mapping.Vendor,
		FileName:  b.FileName,
		Status:    model.BatchStatusRunning,
		StartedAt: e.now().UTC(),
	}
	if err := e.saveBatch(ctx, run); err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "pipeline: batch cancelled")
		}
		return nil, newPersistenceError("save batch", err)
	}

	records, rejections, warnings := e.normalize(b)
	groups, ordering := calc.PartitionByAccount(records)
	warnings = append(warnings, ordering...)

	outputs, err := e.chainAccounts(ctx, groups)
	if err != nil {
		e.markFailed(ctx, run, err)
		log.Error("pipeline: batch aborted", zap.Error(err))
		return nil, err
	}

	out := &Outcome{
		BatchID:    b.ID,
		Rejections: rejections,
		Warnings:   warnings,
		States:     make(map[string]calc.State, len(outputs)),
	}
	for _, o := range outputs {
		out.Rows = append(out.Rows, o.rows...)
		out.Results = append(out.Results, o.results...)
		out.Warnings = append(out.Warnings, o.warnings...)
		if len(o.rows) > 0 {
			out.States[o.rows[0].Record.AccountID] = o.state
		}
	}
	out.Warnings = append(out.Warnings, quality.CrossValidate(out.Rows, e.cfg.OutlierSigma)...)

	out.Summary = quality.Summarize(quality.Input{
		BatchID:      b.ID,
		Vendor:       b.Mapping.Vendor,
		FileName:     b.FileName,
		TotalRecords: len(b.Rows),
		Results:      out.Results,
		Rejections:   rejections,
		Warnings:     out.Warnings,
	}, e.cfg.Quality)

	if pf := e.persist(ctx, b.ID, out); pf != nil {
		if ctx.Err() != nil {
			err := eris.Wrap(ctx.Err(), "pipeline: batch cancelled during "+pf.op)
			e.markFailed(ctx, run, err)
			log.Error("pipeline: batch aborted", zap.Error(err))
			return nil, err
		}
		perr := newPersistenceError(pf.op, pf.err)
		e.markFailed(ctx, run, perr)
		log.Error("pipeline: batch aborted", zap.Error(perr), zap.Bool("transient", perr.Transient))
		return nil, perr
	}

	completed := e.now().UTC()
	run.Status = out.Summary.OverallStatus
	run.CompletedAt = &completed
	run.Summary = &out.Summary
	if err := e.saveBatch(ctx, run); err != nil {
		if ctx.Err() != nil {
			cerr := eris.Wrap(ctx.Err(), "pipeline: batch cancelled during save batch")
			e.markFailed(ctx, run, cerr)
			return nil, cerr
		}
		return nil, newPersistenceError("save batch", err)
	}

	if e.publisher != nil {
		if err := e.publisher.PublishSummary(ctx, &out.Summary); err != nil {
			log.Warn("pipeline: publish summary failed", zap.Error(err))
		}
	}

	log.Info("pipeline: batch complete",
		zap.String("status", string(out.Summary.OverallStatus)),
		zap.Int("accepted", out.Summary.AcceptedRecords),
		zap.Int("quarantined", out.Summary.QuarantinedRows),
		zap.Int("passed_checks", out.Summary.PassedChecks),
		zap.Int("failed_checks", out.Summary.FailedChecks),
		zap.Float64("pass_rate", out.Summary.PassRate),
		zap.Duration("elapsed", completed.Sub(run.StartedAt)),
	)
	return out, nil
}

// normalize converts every raw row, quarantining the ones that fail. A
// Normalizer is not goroutine-safe, so this stage is sequential.
func (e *Engine) normalize(b Batch) ([]*model.CanonicalPerformanceRecord, []model.Rejection, []model.Warning) {
	n := normalize.New(b.Mapping)

	records := make([]*model.CanonicalPerformanceRecord, 0, len(b.Rows))
	var (
		rejections []model.Rejection
		warnings   []model.Warning
	)
	for i, row := range b.Rows {
		rec, rej, ws := n.Normalize(row, i+1)
		warnings = append(warnings, ws...)
		if rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		records = append(records, rec)
	}
	return records, rejections, warnings
}

// chainAccounts runs each account's ordered chain on its own goroutine. Every
// goroutine writes only its own slot of the output slice.
func (e *Engine) chainAccounts(ctx context.Context, groups [][]*model.CanonicalPerformanceRecord) ([]accountOutput, error) {
	outputs := make([]accountOutput, len(groups))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentAccounts)
	for i, group := range groups {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			outputs[i] = e.processAccount(group)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "pipeline: chain accounts")
	}
	return outputs, nil
}

func (e *Engine) processAccount(group []*model.CanonicalPerformanceRecord) accountOutput {
	metrics, state, warnings := calc.Chain(group, e.cfg.UndefinedPolicy)

	o := accountOutput{
		rows:     make([]model.PerformanceRow, len(group)),
		warnings: warnings,
		state:    state,
	}
	for i, rec := range group {
		o.rows[i] = model.PerformanceRow{Record: *rec, Metrics: metrics[i]}
		o.results = append(o.results, e.reconciler.Reconcile(rec, metrics[i])...)
	}
	return o
}

type persistFailure struct {
	op  string
	err error
}

func (e *Engine) persist(ctx context.Context, batchID string, out *Outcome) *persistFailure {
	if len(out.Rows) > 0 {
		_, err := resilience.DoVal(ctx, e.retryConfig("upsert records"), func(ctx context.Context) (int64, error) {
			return e.store.UpsertRecords(ctx, batchID, out.Rows)
		})
		if err != nil {
			return &persistFailure{op: "upsert records", err: err}
		}
	}
	if len(out.Rows) > 0 || len(out.Results) > 0 {
		keys := make([]model.NaturalKey, len(out.Rows))
		for i, r := range out.Rows {
			keys[i] = r.Record.Key()
		}
		_, err := resilience.DoVal(ctx, e.retryConfig("replace results"), func(ctx context.Context) (int64, error) {
			return e.store.ReplaceResults(ctx, batchID, keys, out.Results)
		})
		if err != nil {
			return &persistFailure{op: "replace results", err: err}
		}
	}
	return nil
}

func (e *Engine) saveBatch(ctx context.Context, run *model.BatchRun) error {
	return resilience.Do(ctx, e.retryConfig("save batch"), func(ctx context.Context) error {
		return e.store.SaveBatch(ctx, run)
	})
}

// markFailed records the aborted batch. It is best effort: the store may be
// the thing that failed. The write outlives a cancelled ctx so the batch does
// not stay RUNNING.
func (e *Engine) markFailed(ctx context.Context, run *model.BatchRun, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markFailedTimeout)
	defer cancel()

	completed := e.now().UTC()
	run.Status = model.BatchStatusFailed
	run.CompletedAt = &completed
	run.Error = cause.Error()
	if err := e.store.SaveBatch(ctx, run); err != nil {
		zap.L().Warn("pipeline: record failed batch", zap.String("batch_id", run.ID), zap.Error(err))
	}
}

func (e *Engine) retryConfig(op string) resilience.RetryConfig {
	cfg := e.cfg.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("pipeline: " + op)
	}
	return cfg
}
