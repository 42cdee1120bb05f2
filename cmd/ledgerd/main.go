// Command ledgerd serves a control-plane ledger: it recovers the marker
// stream, authenticates the published root pointer and exposes the
// read-only status API, health and metrics. It refuses to start when the
// root pointer fails any bootstrap check.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmerrifield20/nexusledger/internal/config"
	"github.com/jmerrifield20/nexusledger/internal/health"
	"github.com/jmerrifield20/nexusledger/internal/ledger"
	"github.com/jmerrifield20/nexusledger/internal/metrics"
	"github.com/jmerrifield20/nexusledger/internal/rootpointer"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// Configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("dir", cfg.Storage.Dir),
		zap.Bool("mmr_enabled", cfg.MMR.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger
	svc, err := ledger.OpenConfigured(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer svc.Close()

	if rep := svc.Recovery(); rep.Truncated() {
		logger.Warn("recovered from torn tail",
			zap.Uint64("recovered", rep.Recovered),
			zap.Uint64("discarded", rep.Discarded),
		)
	}
	if err := svc.Verify(); err != nil {
		return fmt.Errorf("marker stream failed verification: %w", err)
	}

	vr, err := svc.Bootstrap()
	if err != nil {
		if errors.Is(err, rootpointer.ErrRootMissing) {
			logger.Error("no root pointer published; run `ledgerctl init` on a fresh ledger",
				zap.String("dir", cfg.Storage.Dir))
		}
		return fmt.Errorf("bootstrap: %w", err)
	}
	logger.Info("ledger ready",
		zap.Uint64("epoch", uint64(svc.Epoch())),
		zap.Uint64("head_seq", vr.Root.MarkerStreamHeadSeq),
	)

	// Self-checks
	checker := health.New([]health.Probe{
		{Name: "chain", Check: func(context.Context) error { return svc.Verify() }},
		{Name: "root", Check: func(context.Context) error { return svc.CheckRoot() }},
	}, health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		ProbeTimeout:  cfg.Health.ProbeTimeout,
		FailThreshold: cfg.Health.FailThreshold,
	}, logger)
	checker.SetMetricsRecord(metrics.RecordHealthCheck)
	go checker.Start(ctx)

	// HTTP
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(ctx, cfg.Server, svc, checker, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP listen: %w", err)
		}
	}

	logger.Info("shutting down ledgerd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("ledgerd stopped")
	return nil
}
