package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// RateLimit is a token bucket budget for one route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// RateLimiter keeps one bucket per route group and caller. Idle buckets are
// evicted after ten minutes.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	visitors *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter constructs a limiter for the named groups.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: expirable.NewLRU[string, *rate.Limiter](10_000, nil, 10*time.Minute),
	}
}

// Middleware enforces the budget of group. Unknown groups are not limited.
func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limit, ok := r.limits[group]
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			caller := callerKey(req)
			if !r.limiter(group+"|"+caller, limit).Allow() {
				r.logger.Debug("rate limited", slog.String("group", group), slog.String("caller", caller))
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) limiter(key string, cfg RateLimit) *rate.Limiter {
	if limiter, ok := r.visitors.Get(key); ok {
		return limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors.Add(key, limiter)
	return limiter
}

// callerKey prefers the authenticated user over the client address.
func callerKey(r *http.Request) string {
	if user, ok := UserID(r.Context()); ok {
		return "user:" + user.String()
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
