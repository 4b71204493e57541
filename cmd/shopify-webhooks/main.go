// Command shopify-webhooks serves webhook deliveries for one app, keeps its
// sessions in SQL and reconciles subscriptions through a job queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/goliatone/go-shopify/adapters/zaplog"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "shopify-webhooks:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, appCfg, err := loadConfig(ctx, configPath, os.LookupEnv)
	if err != nil {
		return err
	}
	logger, err := zaplog.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	d, err := newDaemon(ctx, cfg, appCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("daemon: close database", "error", err.Error())
		}
	}()

	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		if err := d.runJobs(ctx); err != nil {
			logger.Error("jobs: worker stopped", "error", err.Error())
		}
	}()

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: d.routes(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("daemon: listening", "addr", cfg.Server.Addr, "webhook_path", cfg.Server.WebhookPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("daemon: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-jobsDone
	return nil
}
