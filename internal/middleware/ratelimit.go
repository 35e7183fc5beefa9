package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the rate limiting configuration.
// Both fields must be > 0.
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	RequestsPerWindow int
	// WindowDuration is the time window for the rate limit.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

var (
	defaultGlobalLimit  = RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
	defaultCheckInLimit = RateLimitConfig{RequestsPerWindow: 30, WindowDuration: time.Minute}
	defaultSOSLimit     = RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
)

// DefaultGlobalLimit returns the per-client limit for all API routes (100/min).
func DefaultGlobalLimit() RateLimitConfig { return defaultGlobalLimit }

// DefaultCheckInLimit returns the per-user check-in limit (30/min).
func DefaultCheckInLimit() RateLimitConfig { return defaultCheckInLimit }

// DefaultSOSLimit returns the per-user SOS limit (10/min).
func DefaultSOSLimit() RateLimitConfig { return defaultSOSLimit }

// RateLimitStore defines the interface for rate limit state storage.
type RateLimitStore interface {
	// Allow counts a request for key. It returns whether the request is allowed,
	// how many requests remain in the window, and, when blocked, the seconds
	// until the window resets.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

// bucket represents a rate limit bucket for a single key.
type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore implements RateLimitStore with a fixed window
// counter per key. Thread-safe for concurrent access.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	b, exists := s.buckets[key]
	if !exists || now.After(b.windowEnd) {
		s.buckets[key] = &bucket{count: 1, windowEnd: now.Add(config.WindowDuration)}
		return true, config.RequestsPerWindow - 1, 0
	}

	if b.count < config.RequestsPerWindow {
		b.count++
		return true, config.RequestsPerWindow - b.count, 0
	}

	return false, 0, retryAfterSeconds(b.windowEnd.Sub(now))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return secs
}

// Cleanup removes expired buckets.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// clientIP returns the client address from X-Forwarded-For, X-Real-IP or
// RemoteAddr, in that order, without a port.
func clientIP(r *http.Request) string {
	candidate := ""
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		candidate = strings.TrimSpace(first)
	}
	if candidate == "" {
		candidate = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}
	if candidate == "" {
		candidate = r.RemoteAddr
	}
	if host, _, err := net.SplitHostPort(candidate); err == nil {
		return host
	}
	return candidate
}

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + clientIP(r)
	}
}

// UserKeyFunc returns a KeyFunc that uses the authenticated user's ID if
// available, falling back to IP address.
func UserKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if id := GetUserID(r.Context()); id != "" {
			return "user:" + id
		}
		return "ip:" + clientIP(r)
	}
}

// RateLimitOption configures RateLimiter.
type RateLimitOption func(*rateLimitOptions)

type rateLimitOptions struct {
	metrics *Metrics
	route   string
}

// WithRateLimitMetrics records checks and blocks under route, one of the
// RateLimitRoute constants.
func WithRateLimitMetrics(m *Metrics, route string) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.metrics = m
		o.route = route
	}
}

// RateLimiter is a middleware that limits request rates per key.
// It returns HTTP 429 Too Many Requests when the limit is exceeded.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, opts ...RateLimitOption) func(http.Handler) http.Handler {
	var o rateLimitOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			keyType, _, _ := strings.Cut(key, ":")

			allowed, remaining, retryAfter := store.Allow(r.Context(), key, config)
			if o.metrics != nil {
				o.metrics.IncRateLimitRequests(o.route, keyType)
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				if o.metrics != nil {
					o.metrics.ObserveRateLimitBlocked(o.route, keyType, retryAfter)
				}
				SetErrorCode(r.Context(), "rate_limit_exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
