// Package main provides the entry point for the audio conversion API server.
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

	"github.com/waveforge/convert-api/internal/bootstrap"
	"github.com/waveforge/convert-api/internal/config"
	"github.com/waveforge/convert-api/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting conversion API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("transcoder", cfg.TranscoderPath),
		slog.Bool("use_real_cloud", cfg.UseRealCloud),
		slog.String("bucket", cfg.StorageBucket),
	)

	// Initialize dependencies using bootstrap
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	// Fail jobs a previous instance left mid-flight, then keep sweeping for
	// stuck ones in the background.
	if n, err := deps.Reaper.ReapOrphans(ctx); err != nil {
		logger.Warn("orphan reap failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("orphaned jobs failed on startup", slog.Int("count", n))
	}
	go deps.Reaper.Run(ctx)

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(deps.Service, logger)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Allow for large streamed downloads
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	// Stop any transcoders still running before the process exits.
	deps.Supervisor.CleanupAll()

	logger.Info("server stopped gracefully")
	return nil
}
