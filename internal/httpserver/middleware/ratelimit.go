package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter provides IP-based rate limiting using a token bucket algorithm.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*bucket
	rate     int           // tokens added per interval
	burst    int           // max tokens in bucket
	interval time.Duration // refill interval
	cleanup  time.Duration // cleanup interval for stale entries
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Rate is the number of requests allowed per interval.
	Rate int
	// Burst is the maximum number of requests allowed in a burst.
	Burst int
	// Interval is the time window for rate limiting.
	Interval time.Duration
}

// PerMinute allows rpm requests per minute with a burst of a fifth of it.
func PerMinute(rpm int) RateLimiterConfig {
	return RateLimiterConfig{
		Rate:     rpm,
		Burst:    max(rpm/5, 1),
		Interval: time.Minute,
	}
}

// NewRateLimiter creates a rate limiter. Close stops its cleanup loop.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		clients:  make(map[string]*bucket),
		rate:     cfg.Rate,
		burst:    cfg.Burst,
		interval: cfg.Interval,
		cleanup:  5 * time.Minute,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Close stops the background cleanup.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for ip, b := range rl.clients {
				if now.Sub(b.lastCheck) > 2*rl.cleanup {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Allow checks if a request from the given IP is allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.clients[ip]
	if !exists {
		rl.clients[ip] = &bucket{tokens: float64(rl.burst - 1), lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck)
	b.tokens += elapsed.Seconds() / rl.interval.Seconds() * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RateLimit returns middleware that applies rl. RealIP should run before it.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(max(int(rl.interval.Seconds())/max(rl.rate, 1), 1))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientIP(r)) {
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
