// Package cache owns the Redis connection shared by the memory-entry
// cache and the response recorder backend.
package cache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/threadkeep/threadkeep/pkg/config"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

const fallbackPingTimeout = 10 * time.Second

// Redis wraps a connected client with idempotent close.
type Redis struct {
	client redis.UniversalClient
	once   sync.Once
}

func NewRedis(ctx context.Context, cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis (timeout=%s): %w", timeout, err)
	}
	logger.FromContext(ctx).Info("redis connection established",
		"host", cfg.Host, "port", cfg.Port, "db", cfg.DB)
	return &Redis{client: client}, nil
}

func buildClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	}), nil
}

// Client exposes the underlying connection for component constructors.
func (r *Redis) Client() redis.UniversalClient { return r.client }

func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		err = r.client.Close()
	})
	return err
}
