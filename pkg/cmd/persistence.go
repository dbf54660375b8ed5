package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomhq/loom/pkg/persistence/postgresql"
	"github.com/redis/go-redis/v9"
)

// NewPersistence connects to PostgreSQL and runs schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) *postgresql.Persistence {
	persistence, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	if err != nil {
		panic(fmt.Errorf("failed to initialize persistence: %w", err))
	}

	return persistence
}

// NewRedisClient creates a client from a redis:// URL.
func NewRedisClient(redisURL string) redis.UniversalClient {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("failed to parse redis URL: %w", err))
	}

	return redis.NewClient(options)
}
