package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit gives each client IP a token bucket of perSecond requests with
// the given burst. Buckets idle for longer than idleTTL are forgotten.
// perSecond <= 0 disables limiting.
func RateLimit(perSecond float64, burst int, idleTTL time.Duration) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	lim := &clientLimiters{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		clients: make(map[string]*clientLimiter),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.allow(extractClientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type clientLimiters struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clients map[string]*clientLimiter
	swept   time.Time
}

func (c *clientLimiters) allow(ip string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idleTTL > 0 && now.Sub(c.swept) > c.idleTTL {
		for k, cl := range c.clients {
			if now.Sub(cl.lastSeen) > c.idleTTL {
				delete(c.clients, k)
			}
		}
		c.swept = now
	}

	cl, ok := c.clients[ip]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(c.limit, c.burst)}
		c.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.lim.AllowN(now, 1)
}

// extractClientIP prefers proxy headers and falls back to RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
