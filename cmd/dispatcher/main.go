package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outbox-dispatcher/internal/config"
	"outbox-dispatcher/internal/handler"
	"outbox-dispatcher/internal/handler/samples"
	"outbox-dispatcher/internal/httpapi"
	"outbox-dispatcher/internal/middleware"
	"outbox-dispatcher/internal/repository"
	"outbox-dispatcher/internal/supervisor"
	"outbox-dispatcher/internal/worker"
	"outbox-dispatcher/pkg/idempotency"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Println("usage: dispatcher run [flags]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dbSource := fs.String("db-source", "", "Postgres connection string (overrides DB_SOURCE)")
	dbMaxConns := fs.Int("db-max-conns", 0, "max pooled DB connections (overrides DB_MAX_CONNS)")
	dbMinConns := fs.Int("db-min-conns", 0, "min pooled DB connections (overrides DB_MIN_CONNS)")
	connectTimeoutSec := fs.Int("connect-timeout-seconds", 0, "DB connect timeout in seconds (overrides CONNECT_TIMEOUT_SECONDS)")
	statementTimeoutMs := fs.Int("statement-timeout-ms", 0, "per-query statement timeout in ms (overrides STATEMENT_TIMEOUT_MS)")
	workerCount := fs.Int("worker-count", 0, "number of worker instances (overrides WORKER_COUNT)")
	batchSize := fs.Int("batch-size", 0, "events claimed per poll cycle (overrides BATCH_SIZE)")
	pollIntervalMs := fs.Int("poll-interval-ms", 0, "poll interval in ms (overrides POLL_INTERVAL_MS)")
	maxAttempts := fs.Int("max-attempts", 0, "max delivery attempts before dead-lettering (overrides MAX_ATTEMPTS)")
	retryBackoffSec := fs.Int("retry-backoff-seconds", 0, "fixed retry backoff in seconds (overrides RETRY_BACKOFF_SECONDS)")
	maxParallel := fs.Int("max-parallel", 0, "max concurrently executing handlers per worker (overrides MAX_PARALLEL_TASKS)")
	restartOnPanic := fs.Bool("restart-on-panic", false, "restart a worker instance after a panic (overrides RESTART_ON_PANIC)")
	redisAddr := fs.String("redis-addr", "", "Redis address for sample handler and retry-batch dedup (overrides REDIS_ADDR)")
	httpAddress := fs.String("http-address", "", "observability HTTP bind address (overrides HTTP_ADDRESS)")
	httpPort := fs.Int("http-port", 0, "observability HTTP port (overrides HTTP_PORT)")
	disableHTTP := fs.Bool("disable-http", false, "disable the observability HTTP server (overrides DISABLE_HTTP)")
	logLevel := fs.String("log-level", "", "log level (overrides LOG_LEVEL)")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Printf("cannot load config: %v\n", err)
		os.Exit(1)
	}
	if *dbSource != "" {
		cfg.DBSource = *dbSource
	}
	if *dbMaxConns > 0 {
		cfg.DBMaxConns = int32(*dbMaxConns)
	}
	if *dbMinConns > 0 {
		cfg.DBMinConns = int32(*dbMinConns)
	}
	if *connectTimeoutSec > 0 {
		cfg.ConnectTimeoutSec = *connectTimeoutSec
	}
	if *statementTimeoutMs > 0 {
		cfg.StatementTimeoutMs = *statementTimeoutMs
	}
	if *workerCount > 0 {
		cfg.WorkerCount = *workerCount
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	if *pollIntervalMs > 0 {
		cfg.PollIntervalMs = *pollIntervalMs
	}
	if *maxAttempts > 0 {
		cfg.MaxAttempts = *maxAttempts
	}
	if *retryBackoffSec > 0 {
		cfg.RetryBackoffSec = *retryBackoffSec
	}
	if *maxParallel > 0 {
		cfg.MaxParallel = *maxParallel
	}
	if *restartOnPanic {
		cfg.RestartOnPanic = true
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *httpAddress != "" {
		cfg.HTTPAddress = *httpAddress
	}
	if *httpPort > 0 {
		cfg.HTTPPort = *httpPort
	}
	if *disableHTTP {
		cfg.DisableHTTP = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	middleware.InitLogger()
	logger := middleware.Logger
	defer func() { _ = logger.Sync() }()
	middleware.InitMetrics()

	logger.Info("starting outbox dispatcher",
		zap.String("env", cfg.Environment),
		zap.Int("worker_count", cfg.GetWorkerCount(logger)),
		zap.Int("batch_size", cfg.GetBatchSize(logger)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := buildRegistry(ctx, cfg, logger)

	repoCfg := repository.Config{
		DSN:              cfg.DBSource,
		ConnectTimeout:   cfg.GetConnectTimeout(logger),
		StatementTimeout: cfg.GetStatementTimeout(logger),
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
	}

	migrator, err := repository.New(ctx, repoCfg, logger)
	if err != nil {
		logger.Fatal("cannot connect to database", zap.Error(err))
	}
	if err := migrator.Migrate(ctx); err != nil {
		logger.Fatal("cannot run migrations", zap.Error(err))
	}
	migrator.Close()

	sup := supervisor.New(supervisor.Config{
		Count:          cfg.GetWorkerCount(logger),
		RestartOnPanic: cfg.RestartOnPanic,
		WorkerConfig: worker.Config{
			BatchSize:    cfg.GetBatchSize(logger),
			MaxAttempts:  cfg.GetMaxAttempts(logger),
			MaxParallel:  cfg.GetMaxParallel(logger),
			PollInterval: cfg.GetPollInterval(logger),
			RetryBackoff: cfg.GetRetryBackoff(logger),
		},
	}, repoCfg, registry, logger, worker.DefaultMetrics)

	var httpServer *httpapi.Server
	if !cfg.DisableHTTP {
		obsRepo, err := repository.New(ctx, repository.ShortLived(cfg.DBSource), logger.Named("httpapi"))
		if err != nil {
			logger.Fatal("cannot connect observability repository", zap.Error(err))
		}
		defer obsRepo.Close()

		httpServer = httpapi.New(httpapi.Config{Address: cfg.HTTPAddress, Port: cfg.GetHTTPPort()}, obsRepo, obsRepo, retryBatchDedup(cfg), logger)
		httpServer.Start(logger)
		logger.Info("observability server listening", zap.Int("port", cfg.GetHTTPPort()))
	}

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	if err := <-runDone; err != nil {
		logger.Error("supervisor exited with error", zap.Error(err))
	}

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability server shutdown error", zap.Error(err))
		}
	}

	logger.Info("outbox dispatcher shutdown complete")
}

// buildRegistry wires every known event-type handler. The sample Redis
// publisher is only registered when REDIS_ADDR is configured, keeping a
// dispatcher deployment with no sample handlers functional.
func buildRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger) *handler.Registry {
	handlers := map[string]handler.Handler{}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, notification.publish handler disabled", zap.Error(err))
		} else {
			handlers["notification.publish"] = samples.NewRedisPublisher(client)
			logger.Info("registered sample redis publisher handler", zap.String("event_type", "notification.publish"))
		}
	}

	return handler.New(handlers)
}

// retryBatchDedup returns an idempotency.Checker backed by the same Redis
// instance as the sample handler, or nil if Redis isn't configured — the
// retry-batch endpoint works without it, just without duplicate-submission
// protection (spec.md §9 open question).
func retryBatchDedup(cfg config.Config) idempotency.Checker {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return idempotency.NewRedisCheckerWithTTL(client, time.Minute)
}
