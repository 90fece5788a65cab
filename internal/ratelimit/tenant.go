package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyTenantEndpoint = "entitlements:ratelimit:%s:%s"

// TenantLimiter throttles hot-path calls per tenant and endpoint.
// A nil limiter allows everything.
type TenantLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewTenantLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*TenantLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.TenantRate <= 0 || limitCfg.TenantBurst <= 0 {
		return nil, errors.New("tenant rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("rate limit redis unreachable", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return NewTenantLimiterWithScripter(client, limitCfg.TenantRate, limitCfg.TenantBurst), nil
}

// NewTenantLimiterWithScripter builds a limiter over any script runner.
func NewTenantLimiterWithScripter(client redis.Scripter, rate float64, burst int) *TenantLimiter {
	return &TenantLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
	}
}

func (l *TenantLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *TenantLimiter) Allow(ctx context.Context, tenantID, endpoint string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyTenantEndpoint, tenantID, strings.TrimSpace(endpoint))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
