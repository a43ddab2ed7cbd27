package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/perf-recon/internal/mapping"
	"github.com/sells-group/perf-recon/internal/store"
)

func initStore(ctx context.Context) (store.Gateway, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func loadRegistry() (*mapping.Registry, error) {
	reg, err := mapping.LoadDir(cfg.Reconcile.MappingsDir)
	if err != nil {
		return nil, eris.Wrap(err, "load vendor mappings")
	}
	return reg, nil
}
