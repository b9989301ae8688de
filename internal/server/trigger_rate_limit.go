package server

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/affiliate-automation/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	triggerRequestKey        = "trigger_request"
	rateLimitReasonOwnerRate = "owner-rate"
)

// TriggerRateLimit applies the per-owner token bucket to trigger calls. The
// parsed body is stored on the context for the handler.
func (s *Server) TriggerRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.triggerLimiter.Enabled() {
			c.Next()
			return
		}

		var req triggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		c.Set(triggerRequestKey, req)

		ownerID := strings.TrimSpace(req.OwnerID)
		if ownerID == "" {
			// the handler rejects it
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.triggerLimiter.AllowOwner(ctx, ownerID)
		if err != nil {
			logger.FromContext(ctx).Warn("trigger rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyTriggerRateLimit(c, endpoint, ownerID, result.RetryAfter, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, ownerID, s.obsMetrics)
		c.Next()
	}
}

func denyTriggerRateLimit(c *gin.Context, endpoint, ownerID string, retryAfter time.Duration, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("trigger rate limit exceeded",
		zap.String("reason", rateLimitReasonOwnerRate),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, ownerID, rateLimitReasonOwnerRate, metrics)

	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonOwnerRate)
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
