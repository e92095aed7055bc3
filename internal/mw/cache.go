package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// ResponseCache is a short-lived in-memory cache of GET responses, keyed by
// request path. Writers call Forget for the paths they invalidate.
type ResponseCache struct {
	store *cache.Cache
	ttl   time.Duration
}

// NewResponseCache creates a cache whose entries live for ttl (5s if unset).
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &ResponseCache{store: cache.New(ttl, 2*ttl), ttl: ttl}
}

// Forget drops every cached response whose path starts with prefix.
func (rc *ResponseCache) Forget(prefix string) {
	for key := range rc.store.Items() {
		if strings.HasPrefix(key, prefix) {
			rc.store.Delete(key)
		}
	}
}

// Middleware serves cached GET responses and records successful ones.
func (rc *ResponseCache) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.URL.Path
		if resp, found := rc.store.Get(key); found {
			cached := resp.(cachedResponse)
			for k, v := range cached.headers {
				c.Writer.Header()[k] = v
			}
			c.Writer.Header().Set("X-Cache", "HIT")
			c.Writer.WriteHeader(cached.status)
			c.Writer.Write(cached.body)
			c.Abort()
			return
		}

		blw := &bodyCacheWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		// Only cache successful responses
		if blw.Status() >= 200 && blw.Status() < 300 {
			rc.store.Set(key, cachedResponse{
				status:  blw.Status(),
				headers: blw.Header().Clone(),
				body:    blw.body.Bytes(),
			}, rc.ttl)
		}
	}
}
