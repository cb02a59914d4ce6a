package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghostSettler/internal/config"
	"ghostSettler/internal/metrics"
	"ghostSettler/internal/monitor"
)

func runSettler(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := newRegistry()
	m := metrics.New(reg)

	eng, err := buildEngine(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	mon := monitor.New(eng.source, eng.source, eng.settle, monitor.Config{
		PollInterval: cfg.PollInterval,
		DedupSize:    cfg.DedupSize,
		DedupTTL:     cfg.DedupTTL,
		MaxRequeue:   cfg.MaxRequeue,
	}, m, logger)

	if eng.pg != nil {
		ids, err := eng.pg.SettledSince(ctx, time.Now().Add(-cfg.DedupTTL))
		if err != nil {
			logger.Warn("load settled ids", zap.Error(err))
		} else {
			mon.Seed(ids...)
			logger.Info("processed set seeded", zap.Int("ids", len(ids)))
		}
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newRouter(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	logger.Info("settler start",
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("max_requeue", cfg.MaxRequeue),
	)

	<-ctx.Done()
	logger.Info("shutdown requested, waiting for in-flight settlement")
	mon.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !isContextDone(err) {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	logger.Info("settler stopped")
	return nil
}

func newRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}
