package http

import (
	"net/http"
	"strconv"
	"time"

	"trellis-signer/internal/domain"

	"github.com/gin-gonic/gin"
)

// limitSubmissions fails open when the limiter itself is unavailable.
func (s *Server) limitSubmissions(c *gin.Context) {
	if s.limiter == nil || s.submitLimit <= 0 {
		c.Next()
		return
	}
	key := "worker:" + c.Param("worker") + ":submit"
	decision, err := s.limiter.Allow(c.Request.Context(), key, s.submitLimit, s.submitWindow)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "key", key, "error", err)
		c.Next()
		return
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return
	}
	c.Next()
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
