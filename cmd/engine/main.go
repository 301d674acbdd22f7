package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/clickhouse"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/database"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/redis"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/telegram"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/agent"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/broker"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/execution"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/session"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/strategies"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/trades"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/worker"
)

const migrationsPath = "migrations"

func main() {
	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	// Run application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Trading agent engine starting...",
		zap.String("variant", cfg.Engine.Variant),
	)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := trades.NewRepository(db)

	// Engine event sink, ClickHouse when available
	var events agent.EventSink = agent.NopSink{}
	if cfg.ClickHouse.Enabled {
		chDB, err := database.NewClickHouse(cfg.ClickHouse.DSN)
		if err != nil {
			logger.Warn("ClickHouse not available, engine events disabled", zap.Error(err))
		} else {
			defer chDB.Close()
			writer := clickhouse.NewEventWriter(clickhouse.NewRepository(chDB.DB()), 500, 10*time.Second)
			defer writer.Close()
			events = writer
		}
	}

	// Distributed activation locks for multi-instance deployments
	var locks session.LockFactory
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer redisClient.Close()

		if err := redisClient.Health(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
		locks = redis.NewLockFactory(redisClient.LockManager())
	}

	var notifier agent.Notifier
	if cfg.Telegram.BotToken != "" {
		notifier, err = telegram.NewNotifier(&cfg.Telegram, repo)
		if err != nil {
			logger.Warn("telegram notifier unavailable", zap.Error(err))
			notifier = nil
		}
	}

	// Broker plumbing: connection pool, execution client, shared tick feed
	pool := broker.NewPool(&cfg.Broker)
	defer pool.CloseAll()

	execClient := execution.NewClient(pool, &cfg.Broker)
	tickStream := broker.NewTickStream(pool, cfg.Broker.TickToken, &cfg.Broker)

	strategySet := map[string]agent.Strategy{
		"momentum":  strategies.NewMomentum(),
		"precision": strategies.NewPrecision(),
	}

	manager := session.NewManager(ctx, &cfg.Engine, &cfg.Broker,
		repo, execClient, execClient, tickStream, locks, events, notifier, strategySet)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	defer manager.Stop()

	workers := worker.NewGroup(ctx)
	workers.Add(session.NewDailyResetWorker(manager), time.Minute)
	workers.Start()
	defer workers.Stop(10 * time.Second)

	logger.Info("engine running", zap.Int("agents", manager.Count()))

	<-ctx.Done()
	logger.Info("engine shutting down")
	return nil
}

// initConfig loads configuration and initializes the logger
func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

// initDatabase connects to PostgreSQL and applies migrations
func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := database.RunMigrations(db.Conn(), migrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
