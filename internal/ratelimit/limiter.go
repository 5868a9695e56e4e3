// Package ratelimit provides the shared gate in front of every exchange API
// call: a minimum-interval rate limiter fused with a consecutive-failure
// circuit breaker. A single Limiter instance is injected into every caller
// of the gateway; nothing may reach the exchange without going through
// Acquire.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Calls fail fast
	StateHalfOpen BreakerState = "half_open" // Single trial call allowed
)

// ErrCircuitOpen is returned by Acquire while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config holds limiter configuration
type Config struct {
	MinInterval      time.Duration `json:"min_interval"`      // Min spacing between granted calls
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`  // Open duration before a trial call
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval:      250 * time.Millisecond,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Limiter serializes outbound API calls and short-circuits them while the
// exchange looks unhealthy. The internal clock is guarded by its own mutex,
// independent of any caller-side locking, so the monitor and consumer loops
// never invert priorities through it.
type Limiter struct {
	mu sync.Mutex

	minInterval      time.Duration
	failureThreshold int
	recoveryTimeout  time.Duration

	nextGrant time.Time // Earliest time the next call may go out

	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	onStateChange func(BreakerState)
}

// New creates a Limiter from config, filling zero values with defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Limiter{
		minInterval:      cfg.MinInterval,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		state:            StateClosed,
	}
}

// OnStateChange sets a callback invoked on its own goroutine whenever the
// breaker changes state.
func (l *Limiter) OnStateChange(fn func(BreakerState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStateChange = fn
}

// Acquire blocks until at least the configured minimum interval has elapsed
// since the previous globally granted call, then grants the slot. While the
// breaker is open it fails fast with ErrCircuitOpen instead of blocking.
// Cancelling ctx abandons the wait and releases both the reserved slot and
// any half-open trial claim, so no RecordResult is expected for a failed
// Acquire and the breaker can still admit the next trial caller.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()

	now := time.Now()
	trial := false

	switch l.state {
	case StateOpen:
		if now.Sub(l.openedAt) < l.recoveryTimeout {
			l.mu.Unlock()
			return ErrCircuitOpen
		}
		// Recovery window elapsed: admit exactly one trial call.
		l.setState(StateHalfOpen)
		l.trialInFlight = true
		trial = true
	case StateHalfOpen:
		if l.trialInFlight {
			l.mu.Unlock()
			return ErrCircuitOpen
		}
		l.trialInFlight = true
		trial = true
	}

	// Reserve the next grant slot under the lock, wait for it outside.
	grantAt := l.nextGrant
	if grantAt.Before(now) {
		grantAt = now
	}
	reserved := grantAt.Add(l.minInterval)
	l.nextGrant = reserved
	l.mu.Unlock()

	wait := time.Until(grantAt)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if trial && l.state == StateHalfOpen {
			l.trialInFlight = false
		}
		// Give the slot back unless a later caller already reserved past it.
		if l.nextGrant.Equal(reserved) {
			l.nextGrant = grantAt
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// RecordResult feeds a call outcome back into the breaker. Every Acquire
// must be paired with exactly one RecordResult.
func (l *Limiter) RecordResult(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if success {
		l.consecutiveFailures = 0
		if l.state != StateClosed {
			l.setState(StateClosed)
		}
		l.trialInFlight = false
		return
	}

	l.consecutiveFailures++

	switch l.state {
	case StateHalfOpen:
		// Trial failed: straight back to open.
		l.trialInFlight = false
		l.openedAt = time.Now()
		l.setState(StateOpen)
	case StateClosed:
		if l.consecutiveFailures >= l.failureThreshold {
			l.openedAt = time.Now()
			l.setState(StateOpen)
		}
	}
}

// State returns the current breaker state.
func (l *Limiter) State() BreakerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ConsecutiveFailures returns the current failure streak.
func (l *Limiter) ConsecutiveFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveFailures
}

// setState transitions the breaker and fires the callback. Callers hold l.mu.
func (l *Limiter) setState(state BreakerState) {
	if l.state == state {
		return
	}
	l.state = state
	if l.onStateChange != nil {
		go l.onStateChange(state)
	}
}
