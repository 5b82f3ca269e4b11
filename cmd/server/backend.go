package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"school-registry/config"
	"school-registry/internal/app"
	"school-registry/internal/data"
	"school-registry/internal/ledger"
	"school-registry/internal/logging"
	"school-registry/internal/metrics"
	"school-registry/internal/tracing"
	"school-registry/pkg/ledgerclient"
)

// backend is an opened ledger store.
type backend struct {
	// raw is the store itself; it is what /api/ledger serves.
	raw ledger.Store
	// store is raw wrapped for tracing; reconcilers use it.
	store ledger.Store
	// produce commits pending submissions until ctx ends. Nil for remote stores.
	produce func(ctx context.Context)
	close   func() error
}

func openBackend(ctx context.Context, c *config.Config, tracer trace.Tracer) (*backend, error) {
	b := &backend{close: func() error { return nil }}

	switch c.Ledger.Backend {
	case config.BackendMemory:
		m := ledger.NewMemory(c.Ledger.Admin)
		b.raw = m
		b.produce = func(ctx context.Context) { m.Run(ctx, c.Ledger.BlockInterval) }

	case config.BackendSQLite:
		repo, err := data.NewSQLiteRepo(c.Ledger.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger database: %w", err)
		}
		l, err := ledger.NewLocal(ctx, repo, ledger.LocalConfig{
			Admin:         c.Ledger.Admin,
			BlockInterval: c.Ledger.BlockInterval,
		}, logging.GetLogger("ledger"))
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		b.raw = l
		b.produce = l.Run
		b.close = repo.Close

	case config.BackendRemote:
		b.raw = ledgerclient.NewClient(c.Ledger.RemoteURL, c.Ledger.APIKey, c.Ledger.PollInterval, c.Ledger.AdminCacheTTL)

	default:
		return nil, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}

	b.store = tracing.WrapStore(b.raw, tracer)
	return b, nil
}

func reconcilerConfig(c *config.Config, rec *metrics.Recorder) app.Config {
	return app.Config{
		StaticAdmin:      c.Reconciler.AdminIdentity,
		ConfirmTimeout:   c.Reconciler.ConfirmTimeout,
		FetchConcurrency: c.Reconciler.FetchConcurrency,
		Logger:           logging.GetLogger("reconciler"),
		Metrics:          rec,
	}
}
