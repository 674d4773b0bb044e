package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/agentkey/internal/clock"
)

// idleWindow is how long a client bucket survives without traffic.
const idleWindow = 5 * time.Minute

// KeyFunc names the bucket a request draws from. An empty key skips
// throttling for that request.
type KeyFunc func(c *gin.Context) string

// ClientIP buckets requests by remote address.
func ClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// RateLimiter enforces a per-bucket token budget. Buckets are created on
// first use and dropped after idleWindow without traffic.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	clock   clock.Clock
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns nil when requestsPerMinute is not positive; a nil
// limiter lets every request through.
func NewRateLimiter(requestsPerMinute int, clk clock.Clock) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

// Handler throttles by client IP.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	return r.HandlerBy(ClientIP)
}

// HandlerBy throttles by the bucket key derives. Over budget requests get
// 429 with a Retry-After hint in whole seconds.
func (r *RateLimiter) HandlerBy(key KeyFunc) gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}
		if wait := r.reserve(k); wait > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

// reserve takes one token from key's bucket and returns zero, or returns
// how long until a token is available and takes nothing.
func (r *RateLimiter) reserve(key string) time.Duration {
	now := r.clock.Now()
	limiter := r.bucketFor(key, now)

	res := limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute
	}
	wait := res.DelayFrom(now)
	if wait > 0 {
		res.CancelAt(now)
	}
	return wait
}

func (r *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}

	r.evictIdleLocked(now)
	limiter := rate.NewLimiter(r.limit, r.burst)
	r.buckets[key] = &bucket{limiter: limiter, lastSeen: now}
	return limiter
}

func (r *RateLimiter) evictIdleLocked(now time.Time) {
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) > idleWindow {
			delete(r.buckets, key)
		}
	}
}
