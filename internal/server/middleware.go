package server

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lumacrm/ledger/internal/observability/logger"
	obsmetrics "github.com/lumacrm/ledger/internal/observability/metrics"
	"go.uber.org/zap"
)

const rateLimitReasonOwnerRate = "owner-rate"

// APIKeyRequired gates CRM-facing endpoints behind the shared service key.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.APIKey)
		if expected == "" {
			// No key configured means the deployment runs behind a
			// trusted gateway.
			c.Next()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}

// ConsumeRateLimit throttles debit attempts per account owner.
func (s *Server) ConsumeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ownerID := strings.TrimSpace(c.Param("owner_id"))
		if ownerID == "" {
			AbortWithError(c, invalidRequestError())
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		ctx := c.Request.Context()

		result, err := s.limiter.AllowOwner(ctx, ownerID)
		if err != nil {
			logger.FromContext(ctx).Warn("consume rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyConsumeRateLimit(c, endpoint, ownerID, rateLimitReasonOwnerRate, result.RetryAfter, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, ownerID, s.obsMetrics)
		c.Next()
	}
}

func denyConsumeRateLimit(c *gin.Context, endpoint, ownerID, reason string, retryAfter time.Duration, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("consume rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
		zap.Duration("retry_after", retryAfter),
	)
	recordRateLimitDenied(ctx, endpoint, ownerID, reason, metrics)

	c.Header("Retry-After", retryAfterSeconds(retryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint, ownerID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, ownerID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, ownerID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, ownerID, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
