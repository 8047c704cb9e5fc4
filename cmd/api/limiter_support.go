package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/packsale-admin/internal/config"
	"github.com/yourusername/packsale-admin/internal/ratelimit"
)

// setupLimiter はログイン試行の制限器を作成します。
// RATE_LIMIT_REDIS_URL が設定されていれば複数インスタンスで回数を共有します。
func setupLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ratelimit.Limiter, func(), error) {
	opts := []ratelimit.Option{
		ratelimit.WithMaxAttempts(cfg.LoginMaxAttempts),
		ratelimit.WithLockout(time.Duration(cfg.LoginLockoutMinutes) * time.Minute),
	}

	if cfg.RateLimitRedisURL == "" {
		logger.Info("login limiter uses in-memory store")
		return ratelimit.NewLimiter(ratelimit.NewMemoryStore(), opts...), func() {}, nil
	}

	opt, err := redis.ParseURL(cfg.RateLimitRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse RATE_LIMIT_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping rate limit redis: %w", err)
	}

	logger.Info("login limiter uses redis store")
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("failed to close rate limit redis", "error", err)
		}
	}
	return ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb), opts...), closeFn, nil
}

// runSweeper は期限切れの試行記録を定期的に削除します。Redis ストアでは TTL に任せるため何もしません。
func runSweeper(ctx context.Context, limiter *ratelimit.Limiter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Sweep(ctx); removed > 0 {
				logger.Debug("swept login attempt entries", "removed", removed)
			}
		}
	}
}
