package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"transfer-orchestrator/backend/internal/admission"
	"transfer-orchestrator/backend/internal/config"
	"transfer-orchestrator/backend/internal/logging"
	"transfer-orchestrator/backend/internal/repository"
)

func loadConfig(path string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, logger, nil
}

func usesPostgres(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Store, "postgres")
}

// openStore returns the configured repository and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, func(), error) {
	if !usesPostgres(cfg) {
		logger.Warn("using in-memory store, state is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}
	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DB.AutoMigrate {
		if err := repository.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("Migrations applied", "database", cfg.DB.Name)
	}
	return repository.NewPostgresStore(pool), pool.Close, nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "name", cfg.DB.Name)

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// openAdmissionStore shares admission counters through Redis when an address
// is configured and keeps them in process otherwise.
func openAdmissionStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (admission.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		return admission.NewMemoryStore(nil), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("admission counters shared through redis", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	return admission.NewRedisStore(rdb, cfg.Redis.Prefix), func() { _ = rdb.Close() }, nil
}

var errNeedsPostgres = errors.New("this command needs store: postgres")
