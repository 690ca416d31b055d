// Command server starts the MentorLive session and channel-pool API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mentorlive/internal/api"
	"mentorlive/internal/auth"
	"mentorlive/internal/broadcast"
	"mentorlive/internal/observability/logging"
	"mentorlive/internal/observability/metrics"
	"mentorlive/internal/pool"
	"mentorlive/internal/reconcile"
	"mentorlive/internal/server"
	"mentorlive/internal/session"
	"mentorlive/internal/storage"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	operatorKey := flag.String("operator-key", "", "operator API key or pbkdf2 hash; empty disables admin routes")
	startDeadline := flag.Duration("start-deadline", 0, "time budget for taking a session live")
	sweepInterval := flag.Duration("sweep-interval", 0, "pause between reconciliation passes")
	sweepGrace := flag.Duration("sweep-grace", 0, "not-live grace window before a session is force-ended")
	sweepParallelism := flag.Int("sweep-parallelism", 0, "concurrent remote probes per reconciliation pass")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	startLimit := flag.Int("rate-start-limit", 0, "maximum go-live attempts per window for a single caller")
	startWindow := flag.Duration("rate-start-window", 0, "window for counting go-live attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed go-live throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed go-live throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	driftQueueDriver := flag.String("drift-queue-driver", "", "drift event queue driver (memory or redis)")
	driftRedisAddr := flag.String("drift-queue-redis-addr", "", "Redis address for drift event transport")
	driftRedisAddrs := flag.String("drift-queue-redis-addrs", "", "comma separated Redis addresses for drift events")
	driftRedisUsername := flag.String("drift-queue-redis-username", "", "Redis username for drift events")
	driftRedisPassword := flag.String("drift-queue-redis-password", "", "Redis password for drift events")
	driftRedisStream := flag.String("drift-queue-redis-stream", "", "Redis stream key for drift events")
	driftRedisGroup := flag.String("drift-queue-redis-group", "", "Redis consumer group for drift events")
	driftRedisMasterName := flag.String("drift-queue-redis-sentinel-master", "", "Redis sentinel master name for drift events")
	driftRedisPoolSize := flag.Int("drift-queue-redis-pool-size", 0, "maximum Redis connections for drift events")
	driftRedisTLSCA := flag.String("drift-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for drift events")
	driftRedisTLSCert := flag.String("drift-queue-redis-tls-cert", "", "path to Redis TLS client certificate for drift events")
	driftRedisTLSKey := flag.String("drift-queue-redis-tls-key", "", "path to Redis TLS client key for drift events")
	driftRedisTLSServerName := flag.String("drift-queue-redis-tls-server-name", "", "override Redis TLS server name for drift events")
	driftRedisTLSSkipVerify := flag.Bool("drift-queue-redis-tls-skip-verify", false, "skip Redis TLS verification for drift events")
	presenterOrigins := flag.String("cors-presenter-origins", "", "comma separated origins of the presenter app")
	operatorOrigins := flag.String("cors-operator-origins", "", "comma separated origins of the operations console")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("MENTORLIVE_LOG_LEVEL"))})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("MENTORLIVE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("MENTORLIVE_ADDR"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("MENTORLIVE_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("MENTORLIVE_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "MENTORLIVE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "MENTORLIVE_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "MENTORLIVE_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "MENTORLIVE_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "MENTORLIVE_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "MENTORLIVE_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("MENTORLIVE_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		var pgStore *storage.PostgresRepository
		pgStore, err = storage.NewPostgresRepository(ctx, postgresDefaultDSN, pgOptions...)
		if err == nil {
			err = pgStore.EnsureSchema(ctx)
			store = pgStore
		}
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	broadcastCfg, err := broadcast.LoadConfigFromEnv()
	var gateway broadcast.Gateway
	switch {
	case err == nil && broadcastCfg.Enabled():
		httpGateway, gwErr := broadcastCfg.NewHTTPGateway()
		if gwErr != nil {
			logger.Error("failed to configure broadcast gateway", "error", gwErr)
			os.Exit(1)
		}
		gateway = httpGateway
	case err != nil:
		logger.Error("failed to load broadcast configuration", "error", err)
		os.Exit(1)
	default:
		logger.Warn("broadcast backend not configured, using noop gateway")
		gateway = &broadcast.NoopGateway{}
	}

	driftQueueCfg := pool.RedisQueueConfig{
		Addr:       firstNonEmpty(*driftRedisAddr, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*driftRedisAddrs, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*driftRedisUsername, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*driftRedisPassword, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*driftRedisStream, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*driftRedisGroup, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*driftRedisMasterName, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*driftRedisPoolSize, "MENTORLIVE_DRIFT_QUEUE_REDIS_POOL_SIZE"),
		TLS: pool.RedisTLSConfig{
			CAFile:             firstNonEmpty(*driftRedisTLSCA, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*driftRedisTLSCert, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*driftRedisTLSKey, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*driftRedisTLSServerName, os.Getenv("MENTORLIVE_DRIFT_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*driftRedisTLSSkipVerify, "MENTORLIVE_DRIFT_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	driftQueue, err := configureDriftQueue(firstNonEmpty(*driftQueueDriver, os.Getenv("MENTORLIVE_DRIFT_QUEUE_DRIVER")), driftQueueCfg, logger)
	if err != nil {
		logger.Error("failed to configure drift queue", "error", err)
		os.Exit(1)
	}

	allocator := pool.NewAllocator(store, gateway, driftQueue, logging.WithComponent(logger, "allocator"), recorder)

	lifecycle, err := session.NewLifecycle(session.Config{
		Repo:          store,
		Allocator:     allocator,
		Gateway:       gateway,
		Logger:        logging.WithComponent(logger, "session"),
		Recorder:      recorder,
		StartDeadline: resolveDuration(*startDeadline, "MENTORLIVE_START_DEADLINE", 0),
	})
	if err != nil {
		logger.Error("failed to configure session lifecycle", "error", err)
		os.Exit(1)
	}

	operatorSecret := firstNonEmpty(*operatorKey, os.Getenv("MENTORLIVE_OPERATOR_KEY"))
	operators, err := auth.NewOperatorGuard(operatorSecret)
	if err != nil {
		logger.Error("failed to configure operator guard", "error", err)
		os.Exit(1)
	}
	if !operators.Enabled() {
		logger.Warn("no operator key configured, admin routes are disabled")
	}

	sweeper, err := reconcile.NewSweeper(reconcile.Config{
		Repo:        store,
		Gateway:     gateway,
		Allocator:   allocator,
		Logger:      logging.WithComponent(logger, "sweeper"),
		Recorder:    recorder,
		Interval:    resolveDuration(*sweepInterval, "MENTORLIVE_SWEEP_INTERVAL", 0),
		GraceWindow: resolveDuration(*sweepGrace, "MENTORLIVE_SWEEP_GRACE", 0),
		Parallelism: resolveInt(*sweepParallelism, "MENTORLIVE_SWEEP_PARALLELISM"),
	})
	if err != nil {
		logger.Error("failed to configure reconciliation sweeper", "error", err)
		os.Exit(1)
	}
	go sweeper.Run(ctx)

	handler := api.NewHandler(store, lifecycle, allocator, gateway, operators)

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "MENTORLIVE_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "MENTORLIVE_RATE_GLOBAL_BURST"),
		StartLimit:    resolveInt(*startLimit, "MENTORLIVE_RATE_START_LIMIT"),
		StartWindow:   resolveDuration(*startWindow, "MENTORLIVE_RATE_START_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("MENTORLIVE_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("MENTORLIVE_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*rateRedisTimeout, "MENTORLIVE_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("MENTORLIVE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("MENTORLIVE_TLS_KEY")),
		},
		RateLimit: rateCfg,
		CORS: server.CORSConfig{
			PresenterOrigins: splitAndTrim(firstNonEmpty(*presenterOrigins, os.Getenv("MENTORLIVE_CORS_PRESENTER_ORIGINS"))),
			OperatorOrigins:  splitAndTrim(firstNonEmpty(*operatorOrigins, os.Getenv("MENTORLIVE_CORS_OPERATOR_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("MentorLive API listening", "addr", listenAddr, "mode", serverMode, "storage", driver)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if closer, ok := driftQueue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close drift queue", "error", err)
		}
	}

	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	} else if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}

	logger.Info("server stopped")
}

func configureDriftQueue(driver string, cfg pool.RedisQueueConfig, logger *slog.Logger) (pool.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for drift queue")
		}
		cfg.Logger = logging.WithComponent(logger, "drift-queue")
		return pool.NewRedisQueue(cfg)
	case "", "memory":
		return pool.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported drift queue driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func validateProductionDatastore(driver, resolvedPostgresDSN string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("MENTORLIVE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
