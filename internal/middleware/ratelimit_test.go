package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Ayash-Bera/agregador/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), SecurityHeaders(), RequestLogger(quietLogger()), rl.RateLimit())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })
	return r
}

func get(r http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitPerIP(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(3, quietLogger(), ratelimit.WithClock(clk.Now))
	r := newRouter(rl)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(r, "10.0.0.1").Code)
	}
	w := get(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "20", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")

	// other visitors have their own bucket
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.2").Code)

	clk.Advance(20 * time.Second)
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1").Code)
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(3, quietLogger(), ratelimit.WithClock(clk.Now))
	r := newRouter(rl)

	get(r, "10.0.0.1")
	get(r, "10.0.0.2")
	assert.Equal(t, 2, rl.limiter.Len())

	clk.Advance(visitorIdle + time.Second)
	assert.Equal(t, 2, rl.limiter.Sweep(visitorIdle))
	assert.Zero(t, rl.limiter.Len())
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	r := newRouter(NewRateLimiter(100, quietLogger()))

	w := get(r, "10.0.0.1")
	id := w.Header().Get("X-Request-ID")
	assert.Len(t, id, 16)
	assert.Equal(t, id, w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "caller-id", w.Header().Get("X-Request-ID"))
}
