package bitcoin

import (
	"context"
	"testing"
	"time"

	"github.com/Fantasim/ckbtc-minter/internal/config"
)

func TestRateLimiter_WaitSucceedsWithinDeadline(t *testing.T) {
	rl := NewRateLimiter("test-provider", 100)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v, want nil for a fresh limiter with available budget", err)
	}
	if rl.Name() != "test-provider" {
		t.Fatalf("Name() = %q, want %q", rl.Name(), "test-provider")
	}
}

func TestRateLimiter_WaitRespectsCancelledContext(t *testing.T) {
	rl := NewRateLimiter("test-provider", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Drain the single initial token first so the next Wait must actually block.
	_ = rl.Wait(context.Background())

	if err := rl.Wait(ctx); err == nil {
		t.Fatalf("Wait() error = nil, want an error for an already-cancelled context")
	}
}

func TestRateLimiter_AllowStartsClosed(t *testing.T) {
	rl := NewRateLimiter("test-provider", 100)

	if !rl.Allow() {
		t.Fatalf("Allow() = false, want true for a fresh breaker")
	}
	if rl.State() != config.CircuitClosed {
		t.Fatalf("State() = %q, want %q", rl.State(), config.CircuitClosed)
	}
}

func TestRateLimiter_TripsOpenAfterConsecutiveFailures(t *testing.T) {
	rl := NewRateLimiter("test-provider", 100)

	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		rl.RecordFailure()
	}

	if rl.State() != config.CircuitOpen {
		t.Fatalf("State() = %q, want %q after %d consecutive failures", rl.State(), config.CircuitOpen, config.CircuitBreakerThreshold)
	}
	if rl.Allow() {
		t.Fatalf("Allow() = true, want false while breaker is open within cooldown")
	}
}

func TestRateLimiter_BelowThresholdStaysClosed(t *testing.T) {
	rl := NewRateLimiter("test-provider", 100)

	for i := 0; i < config.CircuitBreakerThreshold-1; i++ {
		rl.RecordFailure()
	}

	if rl.State() != config.CircuitClosed {
		t.Fatalf("State() = %q, want %q below the trip threshold", rl.State(), config.CircuitClosed)
	}
	if !rl.Allow() {
		t.Fatalf("Allow() = false, want true while breaker is still closed")
	}
}

func TestRateLimiter_HalfOpenProbeSuccessCloses(t *testing.T) {
	rl := NewRateLimiter("test-provider", 100)
	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		rl.RecordFailure()
	}
	rl.lastFailure = time.Now().Add(-2 * config.CircuitBreakerCooldown)

	if !rl.Allow() {
		t.Fatalf("Allow() = false, want true once cooldown has elapsed (half-open probe)")
	}
	if rl.State() != config.CircuitHalfOpen {
		t.Fatalf("State() = %q, want %q", rl.State(), config.CircuitHalfOpen)
	}

	rl.RecordSuccess()
	if rl.State() != config.CircuitClosed {
		t.Fatalf("State() = %q, want %q after a successful half-open probe", rl.State(), config.CircuitClosed)
	}
}

func TestRateLimiter_HalfOpenProbeFailureReopens(t *testing.T) {
	rl := NewRateLimiter("test-provider", 100)
	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		rl.RecordFailure()
	}
	rl.lastFailure = time.Now().Add(-2 * config.CircuitBreakerCooldown)

	if !rl.Allow() {
		t.Fatalf("Allow() = false, want true once cooldown has elapsed (half-open probe)")
	}

	rl.RecordFailure()
	if rl.State() != config.CircuitOpen {
		t.Fatalf("State() = %q, want %q after a failed half-open probe", rl.State(), config.CircuitOpen)
	}
	if rl.Allow() {
		t.Fatalf("Allow() = true, want false immediately after the probe reopened the breaker")
	}
}

func TestRateLimiter_HalfOpenAllowsOnlyOneProbeAtATime(t *testing.T) {
	rl := NewRateLimiter("test-provider", 100)
	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		rl.RecordFailure()
	}
	rl.lastFailure = time.Now().Add(-2 * config.CircuitBreakerCooldown)

	if !rl.Allow() {
		t.Fatalf("Allow() = false, want true for the first half-open probe")
	}
	if rl.Allow() {
		t.Fatalf("Allow() = true, want false for a second concurrent half-open probe")
	}
}
