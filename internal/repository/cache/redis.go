package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

var _ TileStore = (*RedisStore)(nil)

func (c *RedisStore) keyFor(k tile.Key) string {
	return fmt.Sprintf("tile:%s:%d:%d:%d", k.Source, k.Zoom(), k.Col(), k.Row())
}

func (c *RedisStore) Get(ctx context.Context, k tile.Key) (TileCacheValue, bool, error) {
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues("redis", "get").Observe(time.Since(start).Seconds())
	}()

	data, err := c.client.Get(ctx, c.keyFor(k)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		metrics.StoreErrors.WithLabelValues("redis", "get").Inc()
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}

	return data, true, nil
}

func (c *RedisStore) Set(ctx context.Context, k tile.Key, v TileCacheValue) error {
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues("redis", "set").Observe(time.Since(start).Seconds())
	}()

	if err := c.client.Set(ctx, c.keyFor(k), []byte(v), c.ttl).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

func (c *RedisStore) Close() error {
	return c.client.Close()
}
