package driftline

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures retry pacing for transient failures.
type BackoffConfig struct {
	// MaxAttempts is the maximum number of push attempts per mutation before
	// it moves to the dead-letter set. Default: 8.
	MaxAttempts int

	// InitialDelay is the backoff floor. Default: 500ms.
	InitialDelay time.Duration

	// MaxDelay is the backoff ceiling. Default: 2m.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each failure. Default: 2.0.
	Multiplier float64

	// Jitter adds randomness to delays to prevent retry storms.
	// Value between 0 and 1, where 0.1 means ±10% jitter. Default: 0.2.
	Jitter float64
}

// DefaultBackoffConfig returns a backoff configuration with sensible
// defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  8,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.2
	}
	return c
}

// NextDelay is the pure backoff formula: InitialDelay doubled per completed
// attempt (by Multiplier), capped at MaxDelay. attempt is 1 for the first
// failed attempt. Jitter is applied separately so the formula stays
// independently testable without real time passing.
func (c BackoffConfig) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialDelay
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// RetryState is the per-record retry state machine position.
type RetryState int

const (
	// RetryIdle means no attempt is active or scheduled.
	RetryIdle RetryState = iota
	// RetryAttempting means a push attempt is in flight.
	RetryAttempting
	// RetryBackoff means the record is waiting out a backoff window.
	RetryBackoff
	// RetrySucceeded means the last attempt was accepted.
	RetrySucceeded
	// RetryDeadLetter means the retry budget is exhausted.
	RetryDeadLetter
)

// String returns a human-readable state name.
func (s RetryState) String() string {
	switch s {
	case RetryIdle:
		return "idle"
	case RetryAttempting:
		return "attempting"
	case RetryBackoff:
		return "backoff"
	case RetrySucceeded:
		return "succeeded"
	case RetryDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// BackoffController governs pacing of push attempts under throttling and
// transient failures. It tracks a state machine per record id and a global
// pacing gate: a rate-limit signal slows the whole batch, not just the
// offending record.
type BackoffController struct {
	config BackoffConfig
	clock  Clock

	mu          sync.Mutex
	rng         *rand.Rand
	states      map[string]RetryState
	globalUntil time.Time
}

// NewBackoffController creates a controller. The rng seed only perturbs
// jitter; pass a fixed seed in tests for reproducible delays.
func NewBackoffController(config BackoffConfig, clock Clock, seed int64) *BackoffController {
	return &BackoffController{
		config: config.withDefaults(),
		clock:  clock,
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[string]RetryState),
	}
}

// Begin marks a push attempt as in flight for a record.
func (b *BackoffController) Begin(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[id] = RetryAttempting
}

// OnSuccess records a confirmed remote acceptance and clears retry state.
func (b *BackoffController) OnSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, id)
}

// OnTransientFailure records a transient failure for a record. It returns
// the jittered delay before the next attempt and whether the retry budget is
// exhausted (the mutation must move to the dead-letter set). attempt is the
// mutation's attempt count including the failed attempt.
func (b *BackoffController) OnTransientFailure(id string, attempt int) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if attempt >= b.config.MaxAttempts {
		b.states[id] = RetryDeadLetter
		return 0, true
	}
	b.states[id] = RetryBackoff
	return b.jitterLocked(b.config.NextDelay(attempt)), false
}

// Release returns a record to idle without recording success, used when a
// mutation parks or dead-letters for non-transient reasons.
func (b *BackoffController) Release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, id)
}

// State returns the current retry state for a record.
func (b *BackoffController) State(id string) RetryState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[id]; ok {
		return s
	}
	return RetryIdle
}

// NoteRateLimited imposes a global pacing delay shared by all in-flight
// pushes. retryAfter is the server hint; zero falls back to the backoff
// floor. Repeated signals extend but never shorten the gate.
func (b *BackoffController) NoteRateLimited(retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = b.config.InitialDelay
	}
	until := b.clock.Now().Add(b.jitterLocked(retryAfter))
	if until.After(b.globalUntil) {
		b.globalUntil = until
	}
}

// GlobalDelay returns how long pushes must wait for the global pacing gate,
// or zero when the gate is open.
func (b *BackoffController) GlobalDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.globalUntil.Sub(b.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (b *BackoffController) jitterLocked(d time.Duration) time.Duration {
	if b.config.Jitter == 0 {
		return d
	}
	spread := float64(d) * b.config.Jitter
	return time.Duration(float64(d) + (b.rng.Float64()*2-1)*spread)
}

// Retryer performs operations with automatic retry on transient failure,
// used for remote reads, archive uploads, and notifier reconnects.
type Retryer struct {
	config BackoffConfig
	clock  Clock
}

// NewRetryer creates a retryer with the given configuration.
func NewRetryer(config BackoffConfig, clock Clock) *Retryer {
	return &Retryer{config: config.withDefaults(), clock: clock}
}

// Do executes op, retrying transient errors up to MaxAttempts. Fatal errors
// and context cancellation stop immediately.
func (r *Retryer) Do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.config.NextDelay(attempt)):
		}
	}
	return lastErr
}
