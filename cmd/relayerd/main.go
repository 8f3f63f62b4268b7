// Command relayerd runs the multi-tenant EVM transaction relay as a
// long-running daemon: load configuration, open the store, wire every
// component package via internal/app.Service, and run until SIGINT/SIGTERM.
//
// Grounded on certenIO-certen-validator/main.go's service-startup shape
// (context.WithCancel for background services, one goroutine per service,
// signal.Notify on SIGINT/SIGTERM, graceful shutdown under a bounded
// timeout) adapted from that repo's HTTP-server-plus-consensus-node
// lifecycle to this module's config-driven multi-relayer daemon, logging
// through zap rather than log.Printf per this module's ambient stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/relayforge/evmrelay/internal/app"
	"github.com/relayforge/evmrelay/internal/config"
	"github.com/relayforge/evmrelay/internal/obsmetrics"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/store"
)

// shutdownTimeout bounds how long relayerd waits for in-flight pipeline and
// watcher ticks to finish once a shutdown signal arrives.
const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "relayerd.yaml", "path to the relay configuration document")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayerd: failed to build logger: %v\n", err)
		return 3
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("relayerd: failed to load configuration", zap.Error(err))
		return 2
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		logger.Error("relayerd: failed to open store", zap.Error(err))
		return 2
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := obsmetrics.New(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := app.New(ctx, cfg, db, logger, metrics)
	if err != nil {
		logger.Error("relayerd: failed to assemble service", zap.Error(err))
		return 2
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- svc.Run(ctx)
	}()

	logger.Info("relayerd: started", zap.String("project", cfg.Project), zap.Int("networks", len(cfg.Networks)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("relayerd: shutdown signal received")
		cancel()
	case err := <-runErrCh:
		if err != nil {
			logger.Error("relayerd: service exited unexpectedly", zap.Error(err))
			return relayerr.CLIExitCode(err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relayerd: shutdown did not complete cleanly", zap.Error(err))
	}

	logger.Info("relayerd: stopped")
	return 0
}
