package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/config"
)

func engineWith(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORS(t *testing.T) {
	cfg := config.Config{
		CORSAllowedOrigins: []string{"https://dash.example.com", "https://dash.example.com", " "},
		CORSAllowedMethods: []string{"GET", "POST"},
		CORSAllowedHeaders: []string{"Authorization"},
	}
	r := engineWith(CORS(cfg))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcard(t *testing.T) {
	r := engineWith(CORS(config.Config{CORSAllowedOrigins: []string{"*"}}))
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://any.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter(t *testing.T) {
	require.Nil(t, NewRateLimiter(0, clock.Real()))

	clk := clock.Fake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(60, clk)
	r := engineWith(limiter.Handler())

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		return w
	}

	for i := 0; i < 6; i++ {
		require.Equal(t, http.StatusOK, get().Code)
	}
	w := get()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "1", w.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"rate_limited"}`, w.Body.String())

	clk.Advance(time.Second)
	require.Equal(t, http.StatusOK, get().Code)
	require.Equal(t, http.StatusTooManyRequests, get().Code)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(10, clk)
	r := engineWith(limiter.HandlerBy(func(c *gin.Context) string {
		return c.GetHeader("X-Agent")
	}))

	get := func(agent string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Agent", agent)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, get("a"))
	require.Equal(t, http.StatusTooManyRequests, get("a"))
	require.Equal(t, http.StatusOK, get("b"))
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, get(""))
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(10, clk)

	require.Zero(t, limiter.reserve("ip:10.0.0.1"))
	require.Greater(t, limiter.reserve("ip:10.0.0.1"), time.Duration(0))
	clk.Advance(4 * time.Minute)
	require.Zero(t, limiter.reserve("ip:10.0.0.2"))
	require.Len(t, limiter.buckets, 2)

	clk.Advance(2 * time.Minute)
	require.Zero(t, limiter.reserve("ip:10.0.0.3"))
	require.Len(t, limiter.buckets, 2)
	require.NotContains(t, limiter.buckets, "ip:10.0.0.1")
	require.Contains(t, limiter.buckets, "ip:10.0.0.2")

	require.Zero(t, limiter.reserve("ip:10.0.0.2"))
	require.Greater(t, limiter.reserve("ip:10.0.0.2"), time.Duration(0))
}
