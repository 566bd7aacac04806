// Package ratelimit throttles requests per client IP with a token bucket
// per key, held in a bounded LRU so idle keys age out.
package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	defaultCapacity = 10_000
	defaultIdleTTL  = 10 * time.Minute
)

// Limiter hands out a token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// New creates a limiter allowing perMinute events per key with the given
// burst. Keys idle for longer than idleTTL are forgotten.
func New(perMinute float64, burst int, idleTTL time.Duration) *Limiter {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}

	return &Limiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](defaultCapacity, nil, idleTTL),
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
	}
}

// Allow consumes a token for key, reporting whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(key, lim)
	}
	l.mu.Unlock()

	return lim.Allow()
}

// retryAfter is how long until key would get its next token.
func (l *Limiter) retryAfter() time.Duration {
	if l.limit <= 0 {
		return time.Minute
	}

	return time.Duration(float64(time.Second) / float64(l.limit))
}

// ClientIP extracts the caller's IP from RemoteAddr.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// Middleware rejects requests over the limit with 429. Only the listed
// methods are counted; others pass straight through.
func (l *Limiter) Middleware(logger *slog.Logger, methods ...string) func(http.Handler) http.Handler {
	counted := make(map[string]bool, len(methods))
	for _, m := range methods {
		counted[m] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(counted) > 0 && !counted[r.Method] {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			if !l.Allow(ip) {
				logger.Warn("rate limit exceeded",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(l.retryAfter().Seconds())+1))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error":             "rate_limited",
					"error_description": "too many requests, slow down",
				})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
