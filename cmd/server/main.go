// Package main is the entry point for the tradewire order gateway.
//
// Startup sequence: load configuration from the environment, build the
// logger, wire the dependency container (databases, broker adapters,
// scanner, streaming hub), start the scheduler and paper pipeline, then
// serve HTTP until SIGINT/SIGTERM triggers a graceful shutdown.
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

	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/di"
	"github.com/aristath/tradewire/internal/server"
	"github.com/aristath/tradewire/pkg/logger"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70

	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitUsage
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().
		Int("port", cfg.Port).
		Bool("dev_mode", cfg.DevMode).
		Msg("starting tradewire")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitInternal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := container.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start services")
		closeWithDeadline(container)
		return exitUnavailable
	}

	srv := server.New(server.Deps{
		Cfg:       cfg,
		Log:       log,
		Clock:     container.Clock,
		Engine:    container.Engine,
		Idem:      container.Idem,
		Registry:  container.Registry,
		Intake:    container.Intake,
		Hub:       container.Hub,
		Scanner:   container.Scanner,
		Agg:       container.Agg,
		Quotes:    container.Quotes,
		Verifier:  container.Verifier,
		Gate:      container.Gate,
		Databases: container.Databases,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			closeWithDeadline(container)
			return exitUnavailable
		}
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	container.Close(shutdownCtx)

	log.Info().Msg("tradewire stopped")
	return exitOK
}

func closeWithDeadline(c *di.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	c.Close(ctx)
}
