// Package resilience wraps upstream calls with rate limiting, circuit
// breaking and retries.
package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"

	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Config configures the resilience patterns for one upstream.
type Config struct {
	// Name keys the rate limiter and appears in logs.
	Name string

	RateLimitRPM int // requests per minute, 0 disables

	RetryAttempts    int
	RetryInitialWait time.Duration
	RetryMaxWait     time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerThreshold   int           // consecutive failures before opening
	CircuitBreakerTimeout     time.Duration // how long to stay open
	CircuitBreakerMaxRequests int           // requests allowed in half-open

	// IsRetryable overrides the default classification.
	IsRetryable func(error) bool
}

// DefaultConfig returns the settings used for GitLab and Slack.
func DefaultConfig(name string) Config {
	return Config{
		Name:                      name,
		RateLimitRPM:              600,
		RetryAttempts:             3,
		RetryInitialWait:          250 * time.Millisecond,
		RetryMaxWait:              5 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     30 * time.Second,
		CircuitBreakerMaxRequests: 3,
	}
}

// Resilience runs operations through the configured patterns.
// A nil *Resilience runs operations directly.
type Resilience struct {
	name           string
	rateLimiter    ratelimit.RateLimiter
	retrier        retry.Retry[struct{}]
	circuitBreaker circuitbreaker.CircuitBreaker[struct{}]
}

// New creates a Resilience from cfg.
func New(cfg Config) *Resilience {
	r := &Resilience{name: cfg.Name}
	if r.name == "" {
		r.name = "upstream"
	}

	if cfg.RateLimitRPM > 0 {
		r.rateLimiter = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.RateLimitRPM,
			Burst:    max(cfg.RateLimitRPM/10, 1),
			Interval: time.Minute,
		})
	}

	if cfg.RetryAttempts > 0 {
		retryable := cfg.IsRetryable
		if retryable == nil {
			retryable = IsRetryable
		}
		r.retrier = retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.RetryAttempts,
			InitialDelay:  cfg.RetryInitialWait,
			MaxDelay:      cfg.RetryMaxWait,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   retryable,
		})
	}

	if cfg.CircuitBreakerEnabled {
		threshold := cfg.CircuitBreakerThreshold
		r.circuitBreaker = circuitbreaker.New[struct{}](circuitbreaker.Config{
			MaxRequests: uint32(cfg.CircuitBreakerMaxRequests), // #nosec G115 -- bounded config value
			Interval:    cfg.CircuitBreakerTimeout,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- bounded config value
			},
		})
	}
	return r
}

// Do runs operation. Order: rate limit, circuit breaker, retry, operation.
// Results are captured by the closure.
func (r *Resilience) Do(ctx context.Context, operation func(context.Context) error) error {
	if r == nil {
		return operation(ctx)
	}
	if r.rateLimiter != nil {
		if err := r.rateLimiter.Wait(ctx, r.name); err != nil {
			return err
		}
	}
	run := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.withRetry(ctx, operation)
	}
	if r.circuitBreaker != nil {
		_, err := r.circuitBreaker.Execute(ctx, run)
		return err
	}
	_, err := run(ctx)
	return err
}

func (r *Resilience) withRetry(ctx context.Context, operation func(context.Context) error) error {
	if r.retrier == nil {
		return operation(ctx)
	}
	_, err := r.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// State returns "closed", "half-open", "open" or "disabled".
func (r *Resilience) State() string {
	if r == nil || r.circuitBreaker == nil {
		return "disabled"
	}
	return r.circuitBreaker.State().String()
}

// Close releases the rate limiter.
func (r *Resilience) Close() error {
	if r == nil || r.rateLimiter == nil {
		return nil
	}
	return r.rateLimiter.Close()
}

// IsRetryable reports whether err is worth another attempt. Classified
// errors decide by kind, everything else by transport shape.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var classified *rerrors.Error
	if errors.As(err, &classified) {
		return classified.Recoverable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "gateway timeout"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"):
		return true
	}
	return false
}

// IsRetryableStatus returns true for HTTP status codes worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
