package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/perf-recon/internal/config"
	"github.com/sells-group/perf-recon/internal/mapping"
	"github.com/sells-group/perf-recon/internal/model"
	"github.com/sells-group/perf-recon/internal/monitoring"
	"github.com/sells-group/perf-recon/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only reconciliation API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		reg, err := loadRegistry()
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(st, reg, cfg.Server),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api serves the batch log, reconciliation results and records.
type api struct {
	st        store.Gateway
	reg       *mapping.Registry
	collector *monitoring.Collector
	lookback  int
}

func newRouter(st store.Gateway, reg *mapping.Registry, sc config.ServerConfig) http.Handler {
	a := &api{
		st:        st,
		reg:       reg,
		collector: monitoring.NewCollector(st),
		lookback:  cfg.Monitoring.LookbackWindowHours,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: sc.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(rateLimit(rate.NewLimiter(rate.Limit(sc.RequestsPerSecond), max(sc.Burst, 1))))

	r.Get("/health", a.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/vendors", a.listVendors)
		r.Get("/batches", a.listBatches)
		r.Get("/batches/{id}", a.getBatch)
		r.Get("/batches/{id}/results", a.listBatchResults)
		r.Get("/results", a.listResults)
		r.Get("/records/{account}/{date}", a.getRecord)
		r.Get("/dashboard/metrics", a.dashboardMetrics)
	})
	return r
}

// rateLimit rejects requests beyond the limiter's rate with 429.
func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.st.Ping(r.Context()); err != nil {
		zap.L().Warn("health: store ping failed", zap.Error(err))
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

type vendorInfo struct {
	Vendor       string   `json:"vendor"`
	FileFormats  []string `json:"file_formats"`
	FilePatterns []string `json:"file_patterns"`
	Required     []string `json:"required"`
}

func (a *api) listVendors(w http.ResponseWriter, _ *http.Request) {
	out := make([]vendorInfo, 0)
	for _, name := range a.reg.Vendors() {
		m, err := a.reg.Get(name)
		if err != nil {
			continue
		}
		out = append(out, vendorInfo{
			Vendor:       m.Vendor,
			FileFormats:  m.FileFormats,
			FilePatterns: m.FilePatterns,
			Required:     m.Required,
		})
	}
	writeJSONResponse(w, http.StatusOK, out)
}

func (a *api) listBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := a.st.ListBatches(r.Context(), model.BatchFilter{
		Vendor: q.Get("vendor"),
		Status: model.BatchStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.storeError(w, "list batches", err)
		return
	}
	if runs == nil {
		runs = []model.BatchRun{}
	}
	writeJSONResponse(w, http.StatusOK, runs)
}

func (a *api) getBatch(w http.ResponseWriter, r *http.Request) {
	run, err := a.st.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, "get batch", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, run)
}

func (a *api) listBatchResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.st.GetBatch(r.Context(), id); err != nil {
		a.storeError(w, "get batch", err)
		return
	}
	a.serveResults(w, r, id)
}

func (a *api) listResults(w http.ResponseWriter, r *http.Request) {
	a.serveResults(w, r, r.URL.Query().Get("batch_id"))
}

func (a *api) serveResults(w http.ResponseWriter, r *http.Request, batchID string) {
	q := r.URL.Query()
	limit, offset, err := paging(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	failuresOnly := false
	if v := q.Get("failures_only"); v != "" {
		failuresOnly, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failures_only must be a boolean")
			return
		}
	}

	results, err := a.st.ListResults(r.Context(), model.ResultFilter{
		BatchID:      batchID,
		AccountID:    q.Get("account_id"),
		FieldName:    q.Get("field"),
		FailuresOnly: failuresOnly,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		a.storeError(w, "list results", err)
		return
	}
	if results == nil {
		results = []model.ReconciliationResult{}
	}
	writeJSONResponse(w, http.StatusOK, results)
}

func (a *api) getRecord(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse(model.DateLayout, chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	row, err := a.st.GetRecord(r.Context(), model.NaturalKey{AccountID: chi.URLParam(r, "account"), AsOfDate: date})
	if err != nil {
		a.storeError(w, "get record", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, row)
}

func (a *api) dashboardMetrics(w http.ResponseWriter, r *http.Request) {
	hours := a.lookback
	if hours <= 0 {
		hours = 24
	}
	if v := r.URL.Query().Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h < 1 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = h
	}

	snap, err := a.collector.Collect(r.Context(), hours)
	if err != nil {
		a.storeError(w, "collect metrics", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, snap)
}

func (a *api) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func paging(limitStr, offsetStr string) (int, int, error) {
	var limit, offset int
	var err error
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit < 0 {
			return 0, 0, eris.New("limit must be a non-negative integer")
		}
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, eris.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg})
}
