package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggingMiddleware logs one line per request with status and latency.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// RateLimitMiddleware applies a token bucket per client IP. The bucket
// map is never evicted; it grows with the number of distinct client IPs
// seen over the process lifetime.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	limiters := struct {
		sync.Mutex
		byIP map[string]*rate.Limiter
	}{byIP: make(map[string]*rate.Limiter)}

	limiterFor := func(ip string) *rate.Limiter {
		limiters.Lock()
		defer limiters.Unlock()
		lim, ok := limiters.byIP[ip]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
			limiters.byIP[ip] = lim
		}
		return lim
	}

	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		if !limiterFor(ip).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
