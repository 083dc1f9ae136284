// Package ratemw limits request rates per client address with token buckets.
package ratemw

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/httpmw"
)

const (
	maxEntries = 10000
	idleAfter  = 10 * time.Minute
)

// Limiter tracks one token bucket per client address.
type Limiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a Limiter allowing rps requests per second with the given burst
// per client.
func New(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*entry),
	}
}

// Allow reports whether a request from key may proceed now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxEntries {
			l.cleanup(now)
		}
		if len(l.limiters) >= maxEntries {
			l.evictOldest()
		}
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// cleanup removes idle entries. Must be called with l.mu held.
func (l *Limiter) cleanup(now time.Time) {
	cutoff := now.Add(-idleAfter)
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
		}
	}
}

// evictOldest drops the least recently seen entry. Must be called with l.mu held.
func (l *Limiter) evictOldest() {
	var (
		oldest string
		seen   time.Time
		found  bool
	)
	for k, e := range l.limiters {
		if !found || e.lastSeen.Before(seen) {
			oldest, seen, found = k, e.lastSeen, true
		}
	}
	if found {
		delete(l.limiters, oldest)
	}
}

// Middleware rejects requests over the limit with 429. It keys on the client
// address stored by httpmw.ClientIPWithOptions, so install it outside this one.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	retryAfter := "1"
	if l.rps > 0 {
		retryAfter = strconv.Itoa(max(1, int(1/float64(l.rps))))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the address resolved by httpmw.ClientIPWithOptions, which
// only honors X-Forwarded-For from trusted proxy hops. Without that middleware
// the remote address is used.
func clientIP(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
