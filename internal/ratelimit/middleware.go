package ratelimit

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Middleware applies the per-IP limit in front of the challenge endpoints.
// The per-credential limit is enforced in the handlers, after the API key
// has been resolved.
type Middleware struct {
	limiter *Limiter
	enabled bool
	logger  *log.Logger
}

// NewMiddleware creates the rate limiting middleware.
func NewMiddleware(limiter *Limiter, enabled bool, logger *log.Logger) *Middleware {
	return &Middleware{
		limiter: limiter,
		enabled: enabled,
		logger:  logger,
	}
}

// Wrap applies per-IP rate limiting to an HTTP handler. The client IP is
// taken from RemoteAddr as rewritten by chi's RealIP middleware upstream.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if !m.limiter.AllowIP(r.Context(), ip) {
			m.addRateLimitHeaders(w, ip)

			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: ip=%s path=%s", ip, r.URL.Path)
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"Rate limit exceeded. Please try again later."}`)
			return
		}

		m.addRateLimitHeaders(w, ip)
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port RemoteAddr carries for direct connections. When
// RealIP has already rewritten RemoteAddr to a bare IP, it passes through.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// addRateLimitHeaders sets the draft standard rate limit headers.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, ip string) {
	if ip == "" {
		return
	}

	limit := m.limiter.IPCapacity()
	remaining := m.limiter.IPRemaining(ip)

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))

	if remaining < limit {
		secondsNeeded := (limit - remaining) / m.limiter.IPRefillRate()
		resetTime := time.Now().Add(time.Duration(secondsNeeded * float64(time.Second)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	}
}
