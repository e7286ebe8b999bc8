package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/bookingpay/internal/observability/context"
	"github.com/smallbiznis/bookingpay/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderInternalToken = "X-Internal-Token"
	HeaderSignature     = "X-Razorpay-Signature"
	HeaderEventID       = "X-Razorpay-Event-Id"
)

// CORS allows browser calls from the booking site only. An empty origin
// disables cross-origin access entirely.
func CORS(origin string) gin.HandlerFunc {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	return func(c *gin.Context) {
		requestOrigin := c.GetHeader("Origin")
		if origin != "" && requestOrigin == origin {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+HeaderInternalToken)
			h.Set("Access-Control-Max-Age", "600")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions && requestOrigin != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// InternalTokenRequired guards operator endpoints. With no token configured
// every request is refused.
func (s *Server) InternalTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !tokenMatches(s.cfg.InternalAPIToken, c.GetHeader(HeaderInternalToken)) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// CronSecretRequired checks the bearer secret sent by the cron trigger when
// one is configured.
func (s *Server) CronSecretRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.CronSecret == "" {
			c.Next()
			return
		}
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !tokenMatches(s.cfg.CronSecret, token) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// CheckoutRateLimit throttles public checkout calls per client IP. The
// limiter fails open: a Redis outage must not block payments.
func (s *Server) CheckoutRateLimit(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.checkoutLimiter.Enabled() {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		res, err := s.checkoutLimiter.Allow(ctx, endpoint, c.ClientIP())
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("ratelimit.check_failed",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			seconds := int(res.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func tokenMatches(expected, got string) bool {
	expected = strings.TrimSpace(expected)
	got = strings.TrimSpace(got)
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// scopeRequest records what triggered the request on its context. The
// request log line and the server span read it back after the handler.
func scopeRequest(c *gin.Context, trigger, source string) context.Context {
	ctx := obscontext.WithActor(c.Request.Context(), trigger, source)
	c.Request = c.Request.WithContext(ctx)
	return ctx
}

// scopeOrder tags the request context with the order being worked on.
func scopeOrder(c *gin.Context, orderID string) context.Context {
	ctx := obscontext.WithOrderID(c.Request.Context(), orderID)
	c.Request = c.Request.WithContext(ctx)
	return ctx
}
