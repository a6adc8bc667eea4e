// Command reqguard-server runs a small story API behind reqguard's rate limiting and
// idempotency middleware.
//
// Configuration is read from the environment (see internal/config). With BACKEND=redis
// every instance shares limiter windows, idempotency records and metrics through Redis.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nhalm/reqguard/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("reqguard-server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})
	logger := log.StandardLogger()

	deps, err := newDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Error("failed to close stores")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("graceful shutdown incomplete")
		}
	}()

	logger.WithFields(log.Fields{
		"addr":          cfg.ListenAddr,
		"backend":       cfg.Backend,
		"global_limit":  cfg.GlobalPreset,
		"policies":      len(cfg.Policies),
		"idempotency":   cfg.IdempotencyHeader,
		"record_ttl":    cfg.IdempotencyTTL.String(),
		"max_body_size": cfg.MaxBodySize,
	}).Info("reqguard-server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}
