package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps the go-redis client with degraded-mode tracking.
// Redis only carries the presence mirror and token revocation here,
// both of which are best-effort, so an unhealthy Redis flips the
// client into degraded mode instead of failing callers.
type RedisClient struct {
	Client *redis.Client

	mu       sync.RWMutex
	degraded bool
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg *RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

// Close closes the client
func (r *RedisClient) Close() {
	r.Client.Close()
}

// IsDegraded reports whether the last health check failed.
func (r *RedisClient) IsDegraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.mu.Lock()
	r.degraded = degraded
	r.mu.Unlock()
}

// StartHealthCheck pings Redis on the given interval until ctx is
// cancelled, updating the degraded flag.
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err := r.Client.Ping(pingCtx).Err()
				cancel()
				r.setDegraded(err != nil)
			}
		}
	}()
}
