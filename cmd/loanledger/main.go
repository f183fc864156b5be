package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"loanledger/internal/amqp"
	"loanledger/internal/backend"
	"loanledger/internal/cache"
	"loanledger/internal/cli"
	apphttp "loanledger/internal/http"
	"loanledger/internal/loans"
	applog "loanledger/internal/log"
)

const cacheCleanupInterval = 10 * time.Minute

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel, applog.ComponentApp)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger.Logger).CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer result.Close()

	readyChecks := map[string]apphttp.ReadyCheck{}
	if result.Ping != nil {
		readyChecks["database"] = result.Ping
	}

	var events loans.EventPublisher
	if cfg.EventsEnabled() {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPRoutingKey)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, payment events disabled", "error", err)
		} else {
			defer client.Close()
			events = client
			logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange)
		}
	} else {
		logger.Info("AMQP disabled - payment events will not be published")
	}

	caches := cache.NewManager()
	caches.Register(result.CategoryCache)
	caches.StartCleanup(cacheCleanupInterval)
	defer caches.Stop()

	service := loans.NewService(result.Repository, result.Ledger, result.Categories, events,
		loans.Config{CallTimeout: cfg.CallTimeout, Workers: cfg.PaymentWorkers}, time.Now)

	srv := apphttp.NewServer(":"+cfg.Port, service, apphttp.Options{
		Logger:      logger,
		ReadyChecks: readyChecks,
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		logger.Info("Shutting down HTTP server", applog.FieldOperation, applog.OpShutdown)
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	})

	logger.Info("Starting loanledger server",
		applog.FieldOperation, applog.OpStartup,
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"events", cfg.EventsEnabled())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
