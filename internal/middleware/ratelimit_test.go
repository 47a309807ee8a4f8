package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			allowed, remaining, _ := limiter.Check(ctx, "federation", "10.0.0.1", 10)
			assert.True(t, allowed)
			assert.Equal(t, 10-i-1, remaining)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "federation", "10.0.0.2", 5)
		}

		allowed, remaining, _ := limiter.Check(ctx, "federation", "10.0.0.2", 5)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
	})

	t.Run("tracks subjects and scopes separately", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "federation", "10.0.0.3", 5)
		}

		allowed, _, _ := limiter.Check(ctx, "federation", "10.0.0.4", 5)
		assert.True(t, allowed)
		allowed, _, _ = limiter.Check(ctx, "other", "10.0.0.3", 5)
		assert.True(t, allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		now := time.Now()
		limiter := NewRateLimiter()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			limiter.Check(ctx, "federation", "10.0.0.5", 2)
		}
		allowed, _, _ := limiter.Check(ctx, "federation", "10.0.0.5", 2)
		assert.False(t, allowed)

		now = now.Add(windowDuration + time.Second)
		allowed, _, _ = limiter.Check(ctx, "federation", "10.0.0.5", 2)
		assert.True(t, allowed)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	newHandler := func(limit int) http.Handler {
		m := NewRateLimitMiddleware(NewRateLimiter(), "federation", limit)
		return m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	}
	request := func(addr string) *http.Request {
		req := httptest.NewRequest("POST", "/server/talk/send", nil)
		req.RemoteAddr = addr
		return req
	}

	t.Run("sets rate limit headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newHandler(100).ServeHTTP(rec, request("192.0.2.1:5555"))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("returns 429 when rate limited", func(t *testing.T) {
		handler := newHandler(2)
		for i := 0; i < 2; i++ {
			handler.ServeHTTP(httptest.NewRecorder(), request("192.0.2.2:1000"))
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request("192.0.2.2:2000"))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "RateLimitExceeded")

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, request("192.0.2.3:1000"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:443"
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.RemoteAddr = "198.51.100.7"
	assert.Equal(t, "198.51.100.7", ClientIP(req))
}
