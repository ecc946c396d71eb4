package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/contestd/internal/auth"
	"github.com/me/contestd/internal/config"
	"github.com/me/contestd/internal/dataset"
	"github.com/me/contestd/internal/events"
	"github.com/me/contestd/internal/intake"
	"github.com/me/contestd/internal/logging"
	"github.com/me/contestd/internal/registry"
	"github.com/me/contestd/internal/scheduler"
	"github.com/me/contestd/internal/server"
	"github.com/me/contestd/internal/store"
	"github.com/me/contestd/internal/taskpool"
)

const redisQueuePrefix = "contestd:queue:"

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}

func run(parent context.Context, cfg config.ServerConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Resolve database path.
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir := filepath.Join(home, ".contestd")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
		dbPath = filepath.Join(dir, "contest.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(parent); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", dbPath)

	// Seed the task pool.
	pool := taskpool.New(st, taskpool.Config{
		MaxTasks:           cfg.MaxTasks,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		Stagger:            cfg.TaskStagger,
	}, logger)
	if err := seedPool(parent, pool, cfg, logger); err != nil {
		return err
	}

	// Offline queue.
	queue, closeQueue, err := openQueue(parent, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	reg := registry.New(queue, registry.Config{HeartbeatInterval: cfg.HeartbeatInterval}, logger)

	// Event stream.
	var pub events.Publisher = events.Nop{}
	if cfg.Kafka.Brokers != "" {
		kp, err := events.NewKafkaPublisher(config.SplitCSV(cfg.Kafka.Brokers), cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		pub = kp
		logger.Info("publishing events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	defer pub.Close()

	secret := cfg.Auth.Secret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("no jwt secret configured; generated one, tokens will not survive a restart",
			"hint", "set CONTEST_JWT_SECRET")
	}
	authn, err := auth.NewAuthenticator(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}
	if cfg.Auth.AdminKey == "" {
		logger.Info("admin endpoints disabled", "hint", "set CONTEST_ADMIN_KEY")
	}

	sched := scheduler.NewLoop(pool, reg, pub, scheduler.Config{Interval: cfg.TaskInterval}, logger)

	srv := server.New(cfg, server.Deps{
		Store:     st,
		Pool:      pool,
		Registry:  reg,
		Scheduler: sched,
		Intake:    intake.New(st, logger),
		Auth:      authn,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start scheduler in background.
	srv.StartScheduler(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "interval", cfg.TaskInterval, "queue", cfg.QueueBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}
	logger.Info("shutting down")

	// Stop scheduler before closing connections so a running tick delivers.
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}
	reg.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return serveErr
}

// seedPool loads the dataset into an empty pool. A pool seeded by an earlier
// run is kept as is, so a missing dataset only fails the first start.
func seedPool(ctx context.Context, pool *taskpool.Pool, cfg config.ServerConfig, logger *slog.Logger) error {
	stats, err := pool.Stats(ctx)
	if err != nil {
		return fmt.Errorf("pool stats: %w", err)
	}
	if stats.Total > 0 {
		logger.Info("resuming task pool", "total", stats.Total, "issued", stats.Issued, "remaining", stats.Remaining)
		return nil
	}

	src, err := dataset.Open(ctx, cfg.Dataset, logger)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	items, err := src.Load(ctx, cfg.MaxTasks)
	if err != nil {
		return fmt.Errorf("load dataset %s: %w", cfg.Dataset, err)
	}
	n, err := pool.Seed(ctx, items)
	if err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}
	logger.Info("dataset loaded", "source", cfg.Dataset, "tasks", n)
	return nil
}

func openQueue(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (registry.Queue, func(), error) {
	if cfg.QueueBackend != "redis" {
		return registry.NewMemoryQueue(cfg.QueueCapacity), func() {}, nil
	}
	client, err := registry.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("offline queue on redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}
	return registry.NewRedisQueue(client, redisQueuePrefix, cfg.QueueCapacity), closeFn, nil
}

func randomSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
