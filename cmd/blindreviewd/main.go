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

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/app"
	"github.com/collapsinghierarchy/blindreview/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "blindreviewd:", err)
		os.Exit(1)
	}
}

func run() error {
	//----------------------------------------------------------------------
	// 1. config + logger
	//----------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	//----------------------------------------------------------------------
	// 2. storage, authority, services
	//----------------------------------------------------------------------
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	//----------------------------------------------------------------------
	// 3. HTTP server with graceful shutdown
	//----------------------------------------------------------------------
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-sigCh:
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
