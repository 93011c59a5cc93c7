// Package cache owns the Redis client shared by the gateway's realtime bridge.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/internal/observability"

	"github.com/redis/go-redis/v9"
)

type metricsHook struct{}

func (h metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrorRate.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (h metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrorRate.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// Options parses addr as either a redis:// URL or a bare host:port.
func Options(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL %q: %w", addr, err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: addr}, nil
}

// Connect returns a pinged client for addr, or nil when addr is empty or
// Redis is unreachable. The gateway then runs with in-process fan-out only.
func Connect(ctx context.Context, addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	opts, err := Options(addr)
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "Redis connection warning (continuing without redis)", slog.String("error", err.Error()))
		return nil
	}

	client := redis.NewClient(opts)
	client.AddHook(metricsHook{})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, span := observability.GetTraceLayer().TraceRedisOperation(ctx, "ping")
	err = client.Ping(ctx).Err()
	observability.EndSpan(span, err)
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "Redis connection warning (continuing without redis)", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	observability.GlobalLogger.InfoContext(ctx, "Redis connected successfully", slog.String("addr", opts.Addr))
	return client
}
