package bitcoin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Fantasim/ckbtc-minter/internal/config"
)

// RateLimiter paces requests to a single upstream Esplora-compatible
// provider with a token bucket, and tracks that provider's health with a
// three-state circuit breaker so a facade rotating across several providers
// can skip one that is currently failing instead of retrying it at its
// nominal rate.
//
// State machine:
//   - closed (healthy): Allow always succeeds. A failure increments a
//     counter; at the threshold the breaker trips open.
//   - open (tripped): Allow fails until the cooldown elapses, then the
//     breaker moves to half-open.
//   - half-open (probing): Allow permits a single request through. Success
//     closes the breaker; failure reopens it and restarts the cooldown.
type RateLimiter struct {
	limiter *rate.Limiter
	name    string

	mu              sync.Mutex
	state           string
	consecutiveFail int
	lastFailure     time.Time
	halfOpenUsed    int
}

// NewRateLimiter creates a rate limiter allowing rps requests per second
// against the named provider, starting with its circuit closed.
func NewRateLimiter(name string, rps int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		name:    name,
		state:   config.CircuitClosed,
	}
}

// Wait blocks until the rate limiter allows another request or ctx is
// cancelled. It does not consult the circuit breaker; callers must check
// Allow before routing a request to this provider.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		slog.Warn("rate limiter wait cancelled", "provider", rl.name, "error", err)
		return err
	}
	return nil
}

// Name returns the provider name this limiter is associated with.
func (rl *RateLimiter) Name() string {
	return rl.name
}

// Allow reports whether a request to this provider should be attempted,
// advancing the breaker from open to half-open once the cooldown elapses.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	switch rl.state {
	case config.CircuitClosed:
		return true
	case config.CircuitOpen:
		if time.Since(rl.lastFailure) < config.CircuitBreakerCooldown {
			return false
		}
		slog.Debug("provider circuit half-open", "provider", rl.name)
		rl.state = config.CircuitHalfOpen
		rl.halfOpenUsed = 1 // this call is the half-open probe
		return true
	case config.CircuitHalfOpen:
		if rl.halfOpenUsed >= config.CircuitBreakerHalfOpenMax {
			return false
		}
		rl.halfOpenUsed++
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker, clearing any accumulated failures.
func (rl *RateLimiter) RecordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.state != config.CircuitClosed {
		slog.Info("provider circuit closed", "provider", rl.name, "previousState", rl.state)
	}
	rl.state = config.CircuitClosed
	rl.consecutiveFail = 0
	rl.halfOpenUsed = 0
}

// RecordFailure registers a failed call, tripping the breaker open once
// consecutive failures reach the threshold, or immediately on a half-open
// probe's failure.
func (rl *RateLimiter) RecordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.consecutiveFail++
	rl.lastFailure = time.Now()

	if rl.state == config.CircuitHalfOpen {
		slog.Warn("provider circuit reopened", "provider", rl.name, "consecutiveFail", rl.consecutiveFail)
		rl.state = config.CircuitOpen
		rl.halfOpenUsed = 0
		return
	}

	if rl.consecutiveFail >= config.CircuitBreakerThreshold {
		slog.Warn("provider circuit tripped open", "provider", rl.name, "consecutiveFail", rl.consecutiveFail)
		rl.state = config.CircuitOpen
	}
}

// State returns the breaker's current state, for health reporting.
func (rl *RateLimiter) State() string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.state
}
