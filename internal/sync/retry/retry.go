// Package retry implements automatic retry with exponential backoff and an
// observable countdown state machine.
//
// Lifecycle: idle -> attempting -> {success -> idle | failure -> counting-down
// -> attempting}, with a terminal exhausted state once the configured number
// of retries has been spent. A successful attempt at any point resets the
// retry counter to zero.
package retry

import (
	"context"
	"sync"
	"time"
)

// Phase is the observable state of a Retrier.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseAttempting   Phase = "attempting"
	PhaseCountingDown Phase = "counting-down"
	PhaseExhausted    Phase = "exhausted"
)

// maxShift caps the backoff exponent to avoid duration overflow.
const maxShift = 62

// Config defines retry behavior.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxRetries:   3,
	InitialDelay: 1 * time.Second,
	MaxDelay:     30 * time.Second,
}

func (c Config) normalize() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	return c
}

// Delay returns the backoff before retry attempt n (1-based):
// min(InitialDelay * 2^n, MaxDelay).
func Delay(cfg Config, n int) time.Duration {
	cfg = cfg.normalize()
	if n < 1 {
		n = 1
	}
	if n > maxShift {
		n = maxShift
	}

	delay := cfg.InitialDelay << uint(n)
	if delay <= 0 || delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}

// Snapshot is a point-in-time view of a Retrier's state.
type Snapshot struct {
	Phase         Phase
	Retries       int
	NextAttemptAt time.Time
	LastError     error
}

// Retrier runs a fallible action, retrying automatically with exponential
// backoff. At most one attempt is in flight at any time: a manual trigger
// while an attempt runs or a countdown is pending is ignored.
type Retrier struct {
	cfg      Config
	action   func(ctx context.Context) error
	onChange func(Snapshot)

	mu      sync.Mutex
	phase   Phase
	retries int
	nextAt  time.Time
	lastErr error
}

// Option customizes a Retrier.
type Option func(*Retrier)

// WithStateCallback registers a callback invoked on every phase change.
// The callback runs on the retry goroutine and must not block.
func WithStateCallback(fn func(Snapshot)) Option {
	return func(r *Retrier) { r.onChange = fn }
}

// New creates a Retrier for the given action.
func New(cfg Config, action func(ctx context.Context) error, opts ...Option) *Retrier {
	r := &Retrier{
		cfg:    cfg.normalize(),
		action: action,
		phase:  PhaseIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger starts an attempt cycle. Returns false if the trigger was ignored
// because an attempt is in flight, a countdown is pending, or the retrier is
// exhausted. The cycle runs on a background goroutine until it settles.
func (r *Retrier) Trigger(ctx context.Context) bool {
	r.mu.Lock()
	if r.phase != PhaseIdle {
		r.mu.Unlock()
		return false
	}
	r.setPhaseLocked(PhaseAttempting)
	r.mu.Unlock()

	go r.run(ctx)
	return true
}

// Do runs the attempt cycle synchronously and returns the final error:
// nil on success, the last attempt error on exhaustion or cancellation.
// Like Trigger, it is ignored (returns the last error) if a cycle is
// already in flight.
func (r *Retrier) Do(ctx context.Context) error {
	r.mu.Lock()
	if r.phase != PhaseIdle {
		err := r.lastErr
		r.mu.Unlock()
		return err
	}
	r.setPhaseLocked(PhaseAttempting)
	r.mu.Unlock()

	return r.run(ctx)
}

// Snapshot returns the current observable state.
func (r *Retrier) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Phase:         r.phase,
		Retries:       r.retries,
		NextAttemptAt: r.nextAt,
		LastError:     r.lastErr,
	}
}

// Reset returns an exhausted retrier to idle with a zero retry counter.
// It has no effect while a cycle is in flight.
func (r *Retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseExhausted && r.phase != PhaseIdle {
		return
	}
	r.retries = 0
	r.lastErr = nil
	r.nextAt = time.Time{}
	r.setPhaseLocked(PhaseIdle)
}

func (r *Retrier) run(ctx context.Context) error {
	for {
		err := r.action(ctx)

		r.mu.Lock()
		r.lastErr = err

		if err == nil {
			r.retries = 0
			r.nextAt = time.Time{}
			r.setPhaseLocked(PhaseIdle)
			r.mu.Unlock()
			return nil
		}

		if r.retries >= r.cfg.MaxRetries {
			r.nextAt = time.Time{}
			r.setPhaseLocked(PhaseExhausted)
			r.mu.Unlock()
			return err
		}

		r.retries++
		delay := Delay(r.cfg, r.retries)
		r.nextAt = time.Now().Add(delay)
		r.setPhaseLocked(PhaseCountingDown)
		r.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.mu.Lock()
			// Cancellation aborts the cycle but keeps the retry counter,
			// so a later trigger resumes the backoff schedule.
			r.nextAt = time.Time{}
			r.setPhaseLocked(PhaseIdle)
			r.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
		}

		r.mu.Lock()
		r.setPhaseLocked(PhaseAttempting)
		r.mu.Unlock()
	}
}

// setPhaseLocked updates the phase and fires the state callback.
// Caller must hold r.mu.
func (r *Retrier) setPhaseLocked(p Phase) {
	r.phase = p
	if r.onChange != nil {
		r.onChange(Snapshot{
			Phase:         r.phase,
			Retries:       r.retries,
			NextAttemptAt: r.nextAt,
			LastError:     r.lastErr,
		})
	}
}
