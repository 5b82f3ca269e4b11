package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"school-registry/config"
	"school-registry/internal/api"
	"school-registry/internal/logging"
	"school-registry/internal/metrics"
	"school-registry/internal/tracing"
	"school-registry/internal/transport/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, ledger API and websocket server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	var (
		recorder       *metrics.Recorder
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder = metrics.NewRecorder(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	b, err := openBackend(ctx, cfg, tp.Tracer())
	if err != nil {
		return err
	}
	defer b.close()
	if b.produce != nil {
		go b.produce(ctx)
	}

	var ledgerHandler *api.LedgerHandler
	if cfg.Ledger.Backend != config.BackendRemote {
		ledgerHandler = api.NewLedgerHandler(b.raw, cfg.Ledger.SubmissionTTL, logging.GetLogger("api"))
	}
	wsServer := ws.NewServer(b.store, reconcilerConfig(cfg, recorder), logging.GetLogger("ws"))
	h := api.NewHandler(cfg, ledgerHandler, wsServer, metricsHandler, logging.GetLogger("http"))

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewEngine(h),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.Ledger.Backend).Msg("Server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
