package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(rate.Limit(1), 2))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	assert.Equal(t, http.StatusOK, serve(r, "GET", "/ping", nil).Code)
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/ping", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, "GET", "/ping", nil).Code)
}

func TestIPRateLimiter_ReusesLimiter(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1, time.Minute)
	assert.Same(t, l.GetLimiter("10.0.0.1"), l.GetLimiter("10.0.0.1"))
	assert.NotSame(t, l.GetLimiter("10.0.0.1"), l.GetLimiter("10.0.0.2"))
}

func TestResponseCache(t *testing.T) {
	rc := NewResponseCache(time.Minute)
	hits := 0

	r := gin.New()
	r.GET("/api/devices/:mac", rc.Middleware(), func(c *gin.Context) {
		hits++
		c.JSON(http.StatusOK, gin.H{"mac": c.Param("mac"), "hits": hits})
	})
	r.GET("/missing", rc.Middleware(), func(c *gin.Context) {
		hits++
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	first := serve(r, "GET", "/api/devices/aa", nil)
	second := serve(r, "GET", "/api/devices/aa", nil)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, 1, hits)

	rc.Forget("/api/devices/aa")
	serve(r, "GET", "/api/devices/aa", nil)
	assert.Equal(t, 2, hits)

	serve(r, "GET", "/missing", nil)
	serve(r, "GET", "/missing", nil)
	assert.Equal(t, 4, hits, "errors are never cached")
}

func TestRequestIDAndLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	r := gin.New()
	r.Use(RequestID(), Logger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	w := serve(r, "GET", "/ok", nil)
	id := w.Header().Get(HeaderRequestID)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, w.Body.String())

	w = serve(r, "GET", "/ok", http.Header{HeaderRequestID: []string{"abc-123"}})
	assert.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))

	serve(r, "GET", "/bad", nil)

	entries := logs.All()
	if assert.Len(t, entries, 3) {
		assert.Equal(t, "abc-123", entries[1].ContextMap()["request_id"])
		assert.Equal(t, zap.WarnLevel, entries[2].Level)
		assert.EqualValues(t, http.StatusBadRequest, entries[2].ContextMap()["status"])
	}
}

func TestAPIKey(t *testing.T) {
	testCases := []struct {
		name     string
		key      string
		header   string
		expected int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing", "secret", "", http.StatusUnauthorized},
		{"wrong", "secret", "guess", http.StatusUnauthorized},
		{"valid", "secret", "secret", http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(APIKey(tc.key))
			r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			h := http.Header{}
			if tc.header != "" {
				h.Set(HeaderAPIKey, tc.header)
			}
			assert.Equal(t, tc.expected, serve(r, "GET", "/x", h).Code)
		})
	}
}
