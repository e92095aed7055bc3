package mw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per client IP. Buckets for clients
// that have gone quiet expire so the set stays bounded.
type IPRateLimiter struct {
	limiters *cache.Cache
	r        rate.Limit
	b        int
}

// NewIPRateLimiter creates a new IPRateLimiter.
func NewIPRateLimiter(r rate.Limit, b int, idle time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: cache.New(idle, 2*idle),
		r:        r,
		b:        b,
	}
}

// GetLimiter returns the limiter for ip, creating it on first use.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	if l, found := i.limiters.Get(ip); found {
		i.limiters.SetDefault(ip, l)
		return l.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(i.r, i.b)
	if err := i.limiters.Add(ip, limiter, cache.DefaultExpiration); err != nil {
		// Lost the race to another request from the same IP.
		if l, found := i.limiters.Get(ip); found {
			return l.(*rate.Limiter)
		}
	}
	return limiter
}

// RateLimiter is a middleware for IP-based rate limiting.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	limiter := NewIPRateLimiter(r, b, 10*time.Minute)
	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
