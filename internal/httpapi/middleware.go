package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// observe counts and logs every request by its route template.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.deps.Metrics.HTTPRequest(route, strconv.Itoa(status))
		s.logger.Debug("request served",
			"method", c.Request.Method,
			"route", route,
			"domain", c.Param("domain"),
			"status", status,
			"duration", time.Since(start),
		)
	}
}

// maintenance rejects mutating requests while a data migration runs.
// Clients keep their submissions queued and retry later.
func (s *Server) maintenance() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Maintenance {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable during maintenance"})
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiters.allow(c.Param("domain")) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// domainLimiters hands out one token bucket per domain.
type domainLimiters struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newDomainLimiters(limit rate.Limit, burst int) *domainLimiters {
	if burst <= 0 {
		burst = 1
	}
	return &domainLimiters{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (d *domainLimiters) allow(domain string) bool {
	if d.limit <= 0 {
		return true
	}
	d.mu.Lock()
	l, ok := d.limiters[domain]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[domain] = l
	}
	d.mu.Unlock()
	return l.Allow()
}
