package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
)

// Client wraps the RedLock manager for distributed activation locks plus
// a standard Redis client for health checks
type Client struct {
	lockManager *redlock.RedLock
	cache       *redis.Client
}

// New creates the Redis client with RedLock support
func New(cfg *config.RedisConfig) (*Client, error) {
	// single instance; a cluster deployment would list multiple addresses
	redisAddrs := []string{fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lockManager, err := redlock.NewRedLock(ctx, redisAddrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	cacheClient := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := cacheClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established (redlock)",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &Client{
		lockManager: lockManager,
		cache:       cacheClient,
	}, nil
}

// LockManager returns the RedLock manager
func (c *Client) LockManager() *redlock.RedLock {
	return c.lockManager
}

// Close closes redis connections
func (c *Client) Close() error {
	if c.cache != nil {
		logger.Info("closing redis client")
		if err := c.cache.Close(); err != nil {
			return fmt.Errorf("failed to close redis client: %w", err)
		}
	}
	return nil
}

// Health acquires and releases a probe lock
func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	testLock := "health:check"
	expiry, err := c.lockManager.Lock(ctx, testLock, time.Second)
	if err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if expiry <= 0 {
		return fmt.Errorf("redis health check failed: invalid expiry")
	}

	_ = c.lockManager.UnLock(ctx, testLock)
	return nil
}
