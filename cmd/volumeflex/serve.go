package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"volumeflex/internal/metrics"
	"volumeflex/internal/server"
	"volumeflex/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := newServices(cfg, logger)
	defer svc.Close()
	if err := svc.openStorage(ctx); err != nil {
		return err
	}

	// Ingestion over HTTP is enabled only when an RPC endpoint is configured.
	var (
		ingester server.Ingester
		volumes  storage.VolumeCache
	)
	if cfg.RPCURL != "" {
		if err := svc.connectChain(ctx); err != nil {
			return err
		}
		if err := svc.openPrices(ctx); err != nil {
			return err
		}
		if volumes, err = svc.volumeCache(ctx); err != nil {
			return err
		}
		ingester = svc.pipeline()
	} else {
		logger.Info("no rpc configured, on-demand ingestion disabled")
	}

	metrics.Register(prometheus.DefaultRegisterer)
	srv := server.New(server.Config{
		Addr:        cfg.Listen,
		Concurrency: cfg.Concurrency,
	}, svc.summaries, ingester, volumes, prometheus.DefaultGatherer, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return <-errCh
}
