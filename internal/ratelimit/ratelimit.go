// Package ratelimit throttles collector clients with one token bucket per
// client key.
package ratelimit

import (
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// DefaultMaxClients bounds how many client buckets are kept.
const DefaultMaxClients = 4096

// Limiter keeps a token bucket per key. The least recently seen keys are
// evicted once maxClients is reached; an evicted client starts over with a
// full bucket.
type Limiter struct {
	limiters *lru.Cache
	rps      rate.Limit
	burst    int
}

// NewLimiter allows rps requests per second per key with bursts of burst.
func NewLimiter(rps float64, burst, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	cache, err := lru.New(maxClients)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return &Limiter{limiters: cache, rps: rate.Limit(rps), burst: burst}
}

// limiter returns the bucket for key, creating it on first use.
func (l *Limiter) limiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Get(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	if prev, ok, _ := l.limiters.PeekOrAdd(key, lim); ok {
		return prev.(*rate.Limiter)
	}
	return lim
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

// Clients returns the number of tracked keys.
func (l *Limiter) Clients() int {
	return l.limiters.Len()
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys on the first X-Forwarded-For hop, falling back to the
// remote address without its port.
func IPKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// APIKeyFunc keys on the Authorization header, falling back to the client
// address for anonymous requests.
func APIKeyFunc(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	return IPKeyFunc(r)
}
