package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leaguehq/regsync/internal/api"
	"github.com/leaguehq/regsync/internal/config"
	"github.com/leaguehq/regsync/internal/database"
	"github.com/leaguehq/regsync/internal/events"
	"github.com/leaguehq/regsync/internal/intent"
	"github.com/leaguehq/regsync/internal/matching"
	"github.com/leaguehq/regsync/internal/notify"
	"github.com/leaguehq/regsync/internal/reconcile"
	"github.com/leaguehq/regsync/internal/registry"
	"github.com/leaguehq/regsync/internal/resilience"
	"github.com/leaguehq/regsync/internal/synctarget"
	"github.com/leaguehq/regsync/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	store := registry.NewStore(db, zapLogger)
	if err := store.Migrate(); err != nil {
		zapLogger.Fatal("Failed to migrate registry schema", zap.Error(err))
	}

	// Per-order locks: Redis when configured, in-process otherwise.
	var locks reconcile.LockManager
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		locks = reconcile.NewRedisLockManager(client, cfg.Redis.LockTTL, zapLogger)
		zapLogger.Info("using redis order locks", zap.String("address", cfg.Redis.Address))
	} else {
		locks = reconcile.NewMemoryLockManager()
		zapLogger.Info("using in-process order locks")
	}

	executor := resilience.NewExecutor(zapLogger)
	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		Cooldown:         cfg.Resilience.Cooldown,
	}, zapLogger)
	retryPolicy := resilience.RetryPolicy{
		MaxAttempts: cfg.Resilience.MaxAttempts,
		BaseDelay:   cfg.Resilience.BaseDelay,
	}

	queue := intent.NewQueue(intent.NewMemoryStorage(), zapLogger)
	backups := intent.NewBackupStore(db, store, zapLogger)
	source := intent.NewTwoTierSource(queue, backups, zapLogger)

	target := synctarget.NewHTTPTarget(cfg.SyncTarget.BaseURL, cfg.SyncTarget.APIKey, cfg.SyncTarget.Timeout, zapLogger)

	var notifier reconcile.DataLossNotifier
	if cfg.DataLossWebhook != "" {
		notifier = notify.NewWebhookNotifier(cfg.DataLossWebhook, zapLogger)
	} else {
		notifier = notify.NewLogNotifier(zapLogger)
	}

	txn := reconcile.NewTransactionManager(store, target, executor, breakers, store, zapLogger).
		WithRetryPolicy(retryPolicy)

	reconciler := reconcile.NewReconciler(
		locks, source, queue, backups,
		matching.NewMatcher(zapLogger), txn, store, notifier,
		executor, target, cfg.DonationProducts, zapLogger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Kafka.Enabled {
		consumer := events.NewOrderConsumer(cfg.Kafka, reconciler, zapLogger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				zapLogger.Error("Order consumer stopped", zap.Error(err))
			}
		}()
	}

	server := api.NewServer(cfg.Server, reconciler, store, zapLogger)
	go func() {
		if err := server.Start(); err != nil {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down API server", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
