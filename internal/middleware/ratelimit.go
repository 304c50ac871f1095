package middleware

import (
	"context"
	"strconv"

	apierrors "github.com/aimerfeng/APIGate/internal/errors"
	"github.com/aimerfeng/APIGate/internal/monitoring"
	"github.com/aimerfeng/APIGate/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimitChecker is satisfied by *ratelimit.RateLimiter
type RateLimitChecker interface {
	Check(ctx context.Context, subject string) (*ratelimit.Result, error)
}

// PublicRateLimit limits requests to public paths per client IP.
// Authenticated routes are governed by the daily quota instead.
func PublicRateLimit(public *PublicPaths, limiter RateLimitChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !public.Match(c.Request.Method, c.Request.URL.Path) {
			c.Next()
			return
		}

		res, err := limiter.Check(c.Request.Context(), "ip:"+c.ClientIP())
		if err != nil || res == nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		if !res.Allowed {
			monitoring.RecordRateLimitHit("public")
			retry := int(res.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, apierrors.ErrRateLimitedError)
			return
		}
		c.Next()
	}
}
