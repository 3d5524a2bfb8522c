// Package ratelimit provides per-route token-bucket rate limiting for the
// HTTP surface, rejecting bursts past a configured rate with a Retry-After
// hint instead of queuing or dropping silently.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// Config is one route's limiter tuning: RequestsPerWindow tokens refilled
// every WindowMs, with Burst tokens available immediately.
type Config struct {
	RequestsPerWindow int
	WindowMs          int
	Burst             int
}

func (c Config) ratePerSecond() rate.Limit {
	if c.RequestsPerWindow <= 0 || c.WindowMs <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.RequestsPerWindow) / (float64(c.WindowMs) / 1000))
}

func (c Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.RequestsPerWindow
}

// Limiter owns one rate.Limiter per route key (e.g. method+path pattern).
type Limiter struct {
	mu       sync.Mutex
	configs  map[string]Config
	limiters map[string]*rate.Limiter
	def      Config
}

// New builds a Limiter. def is applied to routes with no specific Config
// registered via WithRoute.
func New(def Config) *Limiter {
	return &Limiter{
		configs:  make(map[string]Config),
		limiters: make(map[string]*rate.Limiter),
		def:      def,
	}
}

// WithRoute registers a per-route override, returning the Limiter for
// chaining at construction time.
func (l *Limiter) WithRoute(key string, cfg Config) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[key] = cfg
	return l
}

func (l *Limiter) limiterFor(key string) (*rate.Limiter, Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[key]; ok {
		return lim, l.configs[key]
	}
	cfg, ok := l.configs[key]
	if !ok {
		cfg = l.def
	}
	lim := rate.NewLimiter(cfg.ratePerSecond(), cfg.burst())
	l.limiters[key] = lim
	return lim, cfg
}

// Allow reports whether a request against key may proceed, consuming a
// token if so.
func (l *Limiter) Allow(key string) bool {
	lim, _ := l.limiterFor(key)
	return lim.Allow()
}

// RetryAfter returns the Retry-After header value (seconds, rounded up) for
// a rejected request against key.
func (l *Limiter) RetryAfter(key string) int {
	_, cfg := l.limiterFor(key)
	windowSeconds := float64(cfg.WindowMs) / 1000
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	return int(windowSeconds + 0.999)
}

// Middleware rate-limits requests keyed by keyFn(r), rejecting with 429 and
// a Retry-After header when the bucket is empty.
func (l *Limiter) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if !l.Allow(key) {
				w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfter(key)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RouteKey builds the default per-route key: method + the literal request
// path. Path parameters are not collapsed to the route pattern, so each
// distinct /pipeline/status/{request_id} path gets its own bucket.
func RouteKey(r *http.Request) string {
	pattern := r.URL.Path
	return r.Method + " " + pattern
}
