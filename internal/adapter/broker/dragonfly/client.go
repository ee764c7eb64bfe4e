// Package dragonfly provides the broker integration for the crawl worker.
//
// The broker is a Redis-protocol stream server (Dragonfly). This package
// holds the connection setup, the consumer-group stream consumer, the
// read-through resource cache and the worker registry.
package dragonfly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/market-crawl-worker/internal/config"
)

// NewClient builds a go-redis client for the broker without connecting.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.BrokerAddr(),
		Password: cfg.DragonflyPassword,
		DB:       cfg.DragonflyDB,
	})
}

// Connect builds a client and verifies connectivity with bounded exponential
// backoff. An unreachable broker at startup is fatal for the process.
func Connect(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb := NewClient(cfg)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	op := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("broker ping failed, retrying", slog.String("addr", cfg.BrokerAddr()), slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=dragonfly.Connect: broker unreachable at %s: %w", cfg.BrokerAddr(), err)
	}

	slog.Info("connected to broker", slog.String("addr", cfg.BrokerAddr()), slog.Int("db", cfg.DragonflyDB))
	return rdb, nil
}
