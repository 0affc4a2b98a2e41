package ratelimit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/permgate-go/pkg/logger"
	"github.com/permgate-go/pkg/ratelimit"
)

// ClientRateLimitMiddleware throttles requests per client address.
func ClientRateLimitMiddleware(limiter ratelimit.RateLimiter, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			// Fail open; the limiter protects capacity, not access
			log.Warn("Rate limiter failed", "error", err, "ip", key)
			c.Next()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"code":    http.StatusTooManyRequests,
				"message": "rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
