package httpx

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// rateRule is the request budget of one route. Each client key gets its own
// window per route.
type rateRule struct {
	route  string
	limit  int
	window time.Duration
}

func (r rateRule) windowOrDefault() time.Duration {
	if r.window <= 0 {
		return time.Minute
	}
	return r.window
}

// RateLimiter counts requests per key in fixed windows that open on the first hit.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rule rateRule) rateDecision
	Close()
}

type rateDecision struct {
	allowed bool
	count   int
	reset   time.Time
}

// remaining is the number of requests left in the window.
func (d rateDecision) remaining(limit int) int {
	return max(limit-d.count, 0)
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type rateWindow struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter returns a process-local limiter. Counts are not shared
// between API replicas.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]rateWindow),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, rule rateRule) rateDecision {
	if rule.limit <= 0 {
		return rateDecision{allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.reset) {
		w = rateWindow{reset: now.Add(rule.windowOrDefault())}
	}
	if w.count >= rule.limit {
		return rateDecision{count: w.count, reset: w.reset}
	}
	w.count++
	rl.windows[key] = w
	return rateDecision{allowed: true, count: w.count, reset: w.reset}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep forgets windows that have closed.
func (rl *memoryRateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.reset) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// limited applies rule to next, keyed by client address.
func (r *Router) limited(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		client := clientKey(req)
		decision := r.limiter.Allow(req.Context(), rule.route+"|"+client, rule)
		setRateHeaders(w.Header(), rule.limit, decision)
		if decision.allowed {
			next(w, req)
			return
		}
		r.recordRateLimitHit(rule.route, keyKind(client))
		if !decision.reset.IsZero() {
			wait := math.Ceil(time.Until(decision.reset).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
		}
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

func setRateHeaders(h http.Header, limit int, d rateDecision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining(limit)))
	if !d.reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.reset.Unix(), 10))
	}
}

// clientKey identifies the caller by remote address.
func clientKey(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// keyKind is the metric label for a client key: its prefix, never the address.
func keyKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	return "unknown"
}
