// Package statuscache keeps the draw status view in Redis so that status polling does
// not hit Postgres on every request.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/powersol/settlement/settlement/pkg/draw"
)

const DefaultKey = "settlement:draw:status"

type Source interface {
	Status(ctx context.Context) (draw.StatusView, error)
}

type Config struct {
	Logger *slog.Logger
	Client *redis.Client
	Source Source
	Key    string
	TTL    time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("redis client is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	return nil
}

type Cache struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{log: cfg.Logger, cfg: cfg}, nil
}

// NewClient connects to Redis and pings it.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		MaxRetries:      5,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		PoolSize:        5,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Status serves the cached view, refreshing it from the source on a miss. Redis
// failures degrade to reading the source directly.
func (c *Cache) Status(ctx context.Context) (draw.StatusView, error) {
	raw, err := c.cfg.Client.Get(ctx, c.cfg.Key).Bytes()
	switch {
	case err == nil:
		var view draw.StatusView
		uerr := json.Unmarshal(raw, &view)
		if uerr == nil {
			return view, nil
		}
		c.log.Warn("statuscache: discarding unreadable entry", "key", c.cfg.Key, "error", uerr)
	case !errors.Is(err, redis.Nil):
		c.log.Warn("statuscache: redis read failed", "key", c.cfg.Key, "error", err)
	}

	view, err := c.cfg.Source.Status(ctx)
	if err != nil {
		return draw.StatusView{}, err
	}
	body, err := json.Marshal(view)
	if err != nil {
		return draw.StatusView{}, fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := c.cfg.Client.Set(ctx, c.cfg.Key, body, c.cfg.TTL).Err(); err != nil {
		c.log.Warn("statuscache: redis write failed", "key", c.cfg.Key, "error", err)
	}
	return view, nil
}

// Invalidate drops the cached view; called after rounds are drawn.
func (c *Cache) Invalidate(ctx context.Context) {
	if err := c.cfg.Client.Del(ctx, c.cfg.Key).Err(); err != nil {
		c.log.Warn("statuscache: redis delete failed", "key", c.cfg.Key, "error", err)
	}
}
