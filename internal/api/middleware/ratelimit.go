package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/autopost/internal/api/response"
	"github.com/kiranshivaraju/autopost/internal/cache"
	"github.com/kiranshivaraju/autopost/internal/telemetry"
)

const (
	defaultRequestsPerMinute = 60
	rateLimitWindow          = time.Minute
)

// RateLimit is a fixed-window limiter backed by Redis counters. Every key of
// an owner draws from the same budget; admin keys are not limited.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	now            func() time.Time
}

// NewRateLimit creates a RateLimit allowing requestsPerMin requests per owner
// per minute. A non-positive value falls back to 60.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, now: time.Now}
}

// WithClock overrides time.Now for window arithmetic.
func (rl *RateLimit) WithClock(now func() time.Time) *RateLimit {
	rl.now = now
	return rl
}

// Limit must run after Auth. Requests without an authenticated key pass.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := rateSubject(r)
		if !ok || HasScope(r, ScopeAdmin) {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now().UTC()
		windowStart := now.Truncate(rateLimitWindow)
		reset := windowStart.Add(rateLimitWindow)

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(subject, windowStart), rateLimitWindow)
		if err != nil {
			slog.Warn("rate limit counter unavailable, allowing request", "subject", subject, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			telemetry.RateLimitRejects.Inc()
			retry := int(reset.Sub(now).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateSubject picks the owner as the budget holder, falling back to the key
// prefix for keys without one.
func rateSubject(r *http.Request) (string, bool) {
	if owner, ok := GetOwnerID(r); ok {
		return "owner:" + owner, true
	}
	if prefix, ok := getKeyPrefix(r); ok && prefix != "" {
		return "key:" + prefix, true
	}
	return "", false
}
