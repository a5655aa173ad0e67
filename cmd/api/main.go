// Package main implements the VCET Assist API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vcetai/vcet-assist/engine/admin"
	"github.com/vcetai/vcet-assist/internal/wire"
	"github.com/vcetai/vcet-assist/pkg/config"
)

// sweepInterval is how often idle rate-limit clients are dropped.
const sweepInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := wire.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	// --- Admin fan-out (optional) ---
	var bus *admin.Bus
	if cfg.NATSURL != "" {
		host, _ := os.Hostname()
		node := fmt.Sprintf("%s-%d", host, os.Getpid())
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("vcet-api "+node))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()

		bus = admin.NewBus(nc, node, app.Service, logger.With("component", "admin"))
		if err := bus.Start(); err != nil {
			return err
		}
		defer bus.Close()
		logger.Info("admin bus connected", "nats", cfg.NATSURL, "node", node)
	}

	// --- Document watcher (optional) ---
	if cfg.WatchDocs {
		w, err := admin.NewWatcher(cfg.DataDir, admin.DefaultDebounce, func(ctx context.Context) error {
			return bus.Dispatch(ctx, app.Service, admin.OpRebuild)
		}, logger.With("component", "watcher"))
		if err != nil {
			return err
		}
		go w.Run(ctx)
		logger.Info("watching documents", "dir", cfg.DataDir)
	}

	go sweep(ctx, app, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newServer(app, bus, cfg, logger).routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "backend", cfg.IndexBackend, "lazy_init", true)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func sweep(ctx context.Context, app *wire.App, logger *slog.Logger) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := app.Limiter.Sweep(); n > 0 {
				logger.Debug("rate limiter sweep", "dropped", n)
			}
		}
	}
}
