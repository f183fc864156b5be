package main

import (
	"context"
	"flag"
	"os"
	"time"

	"loanledger/internal/amqp"
	"loanledger/internal/backend"
	"loanledger/internal/cache"
	"loanledger/internal/cli"
	"loanledger/internal/config"
	"loanledger/internal/loans"
	applog "loanledger/internal/log"
	"loanledger/internal/runlock"
	"loanledger/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "run a single payment cycle and exit")
	flag.Parse()

	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel, applog.ComponentWorker)
	logger.Info("Starting payment-worker", applog.FieldOperation, applog.OpStartup, "once", *once)

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

	var events loans.EventPublisher
	if cfg.EventsEnabled() {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPRoutingKey)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, payment events disabled", "error", err)
		} else {
			defer client.Close()
			events = client
		}
	}

	lock, closeLock := runLock(logger, cfg)
	defer closeLock()

	caches := cache.NewManager()
	caches.Register(result.CategoryCache)
	caches.StartCleanup(time.Hour)
	defer caches.Stop()

	executor := loans.NewExecutor(result.Repository, result.Ledger, result.Categories, events, lock,
		loans.ExecutorConfig{Workers: cfg.PaymentWorkers, CallTimeout: cfg.CallTimeout}, time.Now)
	monitor := loans.NewOverdueMonitor(result.Repository, events, time.Now)
	w := worker.NewPaymentWorker(executor, monitor, worker.Config{
		Interval:     cfg.PaymentRunInterval,
		RunOnStartup: cfg.RunOnStartup,
		OverdueGrace: cfg.OverdueGracePeriod,
	}, logger)

	if *once {
		if _, err := w.RunCycle(context.Background()); err != nil {
			logger.Error("Payment cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)
	w.Run(ctx)
	cli.WaitForShutdown(ctx, done)
	logger.Info("Payment-worker shutdown complete")
}

// runLock returns the Redis lease lock when Redis is configured, and an
// in-process lock otherwise.
func runLock(logger *applog.Logger, cfg *config.Config) (loans.RunLock, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("Redis disabled - using in-process run lock")
		return runlock.NewLocal(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := runlock.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}
	logger.Info("Using Redis run lock", "addr", cfg.RedisAddr, "ttl", cfg.RunLockTTL.String())
	return runlock.NewRedis(client, runlock.DefaultKey, cfg.RunLockTTL), func() { _ = client.Close() }
}
