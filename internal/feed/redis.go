package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel workers publish task events on.
const DefaultRedisChannel = "jobwatch.task_status"

// RedisSource subscribes to a redis pub/sub channel carrying task events.
type RedisSource struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisSource connects to addr and verifies the server answers a ping.
func NewRedisSource(ctx context.Context, addr, channel string, logger *slog.Logger) (*RedisSource, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis source: address required")
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSource{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With("component", "feed", "source", "redis", "channel", channel),
	}, nil
}

// Name implements Source.
func (s *RedisSource) Name() string { return "redis" }

// Run implements Source. The go-redis PubSub reconnects on its own, so Run
// only returns on cancellation or when the subscription cannot start.
func (s *RedisSource) Run(ctx context.Context, sink Sink) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}
	s.logger.Info("feed subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok || m == nil {
				return nil
			}
			_ = sink.Ingest(ctx, s.Name(), []byte(m.Payload))
		}
	}
}

// Publish sends raw on the source's channel. `jobwatch emit --redis` uses it.
func (s *RedisSource) Publish(ctx context.Context, raw []byte) error {
	return s.rdb.Publish(ctx, s.channel, raw).Err()
}

// Close releases the client.
func (s *RedisSource) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
