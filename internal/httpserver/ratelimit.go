package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pushlink/internal/metrics"
)

// Counter counts hits in fixed windows. Incr returns the count for key in
// the current window, including this hit.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter shares window counts between relay instances.
type RedisCounter struct {
	client *goredis.Client
	prefix string
}

func NewRedisCounter(client *goredis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	bucket := time.Now().UnixNano() / int64(window)
	k := fmt.Sprintf("%sratelimit:%s:%d", c.prefix, key, bucket)

	var incr *goredis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

type fixedWindow struct {
	count int64
	reset time.Time
}

// MemoryCounter keeps window counts in process.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	now     func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*fixedWindow), now: time.Now}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, d time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.reset) {
		if len(c.windows) > 4096 {
			c.prune(now)
		}
		w = &fixedWindow{reset: now.Add(d)}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (c *MemoryCounter) prune(now time.Time) {
	for k, w := range c.windows {
		if !now.Before(w.reset) {
			delete(c.windows, k)
		}
	}
}

// RateLimiter allows limit requests per client IP per window.
type RateLimiter struct {
	counter Counter
	limit   int
	window  time.Duration
	logger  zerolog.Logger
}

func NewRateLimiter(counter Counter, limit int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		limit:   limit,
		window:  window,
		logger:  logger,
	}
}

// Middleware refuses requests over the limit with 429. Counter errors let
// the request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		count, err := rl.counter.Incr(r.Context(), ip, rl.window)
		if err != nil {
			rl.logger.Warn().Err(err).Str("ip", ip).Msg("rate limit counter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(0, int64(rl.limit)-count)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(rl.limit) {
			metrics.RateLimitHits.Inc()
			rl.logger.Warn().
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP reads RemoteAddr, which middleware.RealIP has already rewritten
// from the forwarding headers.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
