package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/observability/logger"
	"github.com/smallbiznis/entitlements/internal/tenantcontext"
	"go.uber.org/zap"
)

type rateLimitTenantKey struct {
	TenantID string `json:"tenantId"`
}

// TenantRateLimit applies the per-tenant token bucket. Tenants come from the
// token when present, otherwise from the request body.
func (s *Server) TenantRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
		if !ok {
			var err error
			tenantID, err = peekTenantID(c)
			if err != nil {
				logger.FromContext(ctx).Warn("rate limit read body failed", zap.Error(err))
				AbortWithError(c, invalidRequestError())
				return
			}
		}

		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.limiter.Allow(ctx, tenantID, endpoint)
		if err != nil {
			logger.FromContext(ctx).Warn("tenant rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			logger.FromContext(ctx).Warn("tenant rate limit exceeded",
				zap.String("tenant_id", tenantID),
				zap.String("endpoint", endpoint),
			)
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint)

			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", "0")
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Next()
	}
}

// peekTenantID reads tenantId from a JSON body and restores the body for the handler.
func peekTenantID(c *gin.Context) (string, error) {
	if c.Request.Body == nil {
		return "", nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload rateLimitTenantKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.TenantID), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
