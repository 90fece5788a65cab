package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestNewTenantLimiter_Disabled(t *testing.T) {
	limiter, err := NewTenantLimiter(fxtest.NewLifecycle(t), config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())

	res, err := limiter.Allow(context.Background(), "tenant-a", "usage")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNewTenantLimiter_InvalidConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RedisAddr = "localhost:6379"

	_, err := NewTenantLimiter(fxtest.NewLifecycle(t), cfg, zap.NewNop())
	assert.Error(t, err)

	cfg.RateLimit.RedisAddr = " "
	cfg.RateLimit.TenantRate = 1
	cfg.RateLimit.TenantBurst = 1
	_, err = NewTenantLimiter(fxtest.NewLifecycle(t), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestTokenBucket_RejectsBadArguments(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(true, 0, 10))
	assert.Equal(t, 500*time.Millisecond, retryAfter(false, 0.5, 1))
	assert.Equal(t, 100*time.Millisecond, retryAfter(false, 0, 10))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, defaultBucketTTL(0, 10))
	assert.Equal(t, 20*time.Second, defaultBucketTTL(10, 100))
	assert.Equal(t, time.Second, defaultBucketTTL(1000, 1))
}

func TestCast(t *testing.T) {
	assert.Equal(t, int64(1), castToInt(int64(1)))
	assert.Equal(t, int64(7), castToInt("7"))
	assert.Equal(t, 2.5, castToFloat("2.5"))
	assert.Equal(t, 3.0, castToFloat(int64(3)))
	assert.Equal(t, 0.0, castToFloat(struct{}{}))
}

type fakeScripter struct {
	redis.Scripter
	reply []interface{}
	keys  []string
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	f.keys = keys
	cmd := redis.NewCmd(ctx)
	cmd.SetVal(f.reply)
	return cmd
}

func TestTenantLimiter_AllowAndDeny(t *testing.T) {
	scripter := &fakeScripter{reply: []interface{}{int64(1), "4", int64(1000)}}
	limiter := NewTenantLimiterWithScripter(scripter, 2, 5)
	require.True(t, limiter.Enabled())

	res, err := limiter.Allow(context.Background(), " tenant-a ", "usage")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, time.Duration(0), res.RetryAfter)
	require.Len(t, scripter.keys, 1)
	assert.Contains(t, scripter.keys[0], "tenant-a")
	assert.Contains(t, scripter.keys[0], "usage")

	scripter.reply = []interface{}{int64(0), "0.5", int64(1000)}
	res, err = limiter.Allow(context.Background(), "tenant-a", "usage")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 250*time.Millisecond, res.RetryAfter)
}

func TestTenantLimiter_EmptyTenantSkipsBucket(t *testing.T) {
	scripter := &fakeScripter{reply: []interface{}{int64(0), "0", int64(0)}}
	limiter := NewTenantLimiterWithScripter(scripter, 1, 1)

	res, err := limiter.Allow(context.Background(), "  ", "usage")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Nil(t, scripter.keys)
}

func TestTokenBucket_ShortReply(t *testing.T) {
	bucket := NewTokenBucket(&fakeScripter{reply: []interface{}{int64(1)}})
	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
}
