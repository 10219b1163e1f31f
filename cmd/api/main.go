package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iago/wa-lead-router/internal/app"
	"github.com/iago/wa-lead-router/internal/config"
	httpserver "github.com/iago/wa-lead-router/internal/http"
	"github.com/iago/wa-lead-router/internal/http/handlers"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/worker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/default.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger, app.Options{Migrate: true})
	if err != nil {
		logger.Fatalw("failed to initialize application", "error", err)
	}
	defer components.Close()

	components.Sweeper.Start(ctx)
	defer components.Sweeper.Stop()

	api := handlers.NewAPI(handlers.Dependencies{
		Distribution:       components.Distribution,
		Sweeper:            components.Sweeper,
		Router:             components.Router,
		Broadcasts:         components.Broadcasts,
		Store:              components.Store,
		Producer:           components.Producer,
		Clock:              components.Clock,
		Logger:             logger,
		WebhookVerifyToken: cfg.WhatsAppVerify,
		WebhookAppSecret:   cfg.WhatsAppSecret,
	})
	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(components.Consumer, components.Router, logger)
		go processor.Start(ctx)
		logger.Infow("worker enabled and started")
	} else {
		logger.Infow("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Infow("api listening", "port", cfg.Port, "env", cfg.AppEnv)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("graceful shutdown failed", "error", err)
	}
}
