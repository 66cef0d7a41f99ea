// Package breaker provides a consecutive-failure circuit breaker.
//
// The breaker is closed until Threshold consecutive failures are recorded.
// It then opens for BreakDuration, rejecting calls with ErrOpen without
// running them. Once the duration elapses a single probe call is let through
// (half-open); success closes the circuit and failure re-opens it.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// State of the circuit.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs and metrics
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	Threshold     int           // consecutive failures before opening
	BreakDuration time.Duration // how long the circuit stays open

	// IsFailure decides whether an error counts against the circuit.
	// Nil counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called with the breaker lock released.
	OnStateChange func(from, to State)
}

// DefaultConfig opens after 5 consecutive failures for 30s.
func DefaultConfig() Config {
	return Config{
		Threshold:     5,
		BreakDuration: 30 * time.Second,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// State returns the current state, promoting open to half-open once the
// break duration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.BreakDuration {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the circuit allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	var from State
	changed := false

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.BreakDuration {
			b.mu.Unlock()
			return ErrOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return nil
}

func (b *Breaker) record(err error) {
	failed := err != nil
	if failed && b.cfg.IsFailure != nil {
		failed = b.cfg.IsFailure(err)
	}

	b.mu.Lock()
	from := b.state
	to := from

	switch {
	case !failed:
		b.failures = 0
		b.probing = false
		to = StateClosed
	case from == StateHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		to = StateOpen
	default:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.failures = 0
			b.openedAt = b.now()
			to = StateOpen
		}
	}
	b.state = to
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
