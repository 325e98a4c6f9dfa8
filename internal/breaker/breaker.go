// Package breaker implements the circuit breaker pattern for upstream
// dependencies (LLM provider, KV store, memory service).
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the upstream in logs and stats.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// HalfOpenMaxAttempts is the number of consecutive probe successes in
	// half-open required to close, and the probe budget per half-open window.
	HalfOpenMaxAttempts int

	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration

	// OnStateChange is called after each state transition.
	OnStateChange func(from, to string)
}

// Breaker tracks consecutive failures for one upstream and fails fast
// while open. Half-open admits a bounded number of probe calls.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       string
	failures    int
	probes      int // probe calls admitted in the current half-open window
	successes   int // consecutive probe successes in half-open
	lastChange  time.Time
	now         func() time.Time
}

// New creates a breaker, applying defaults for zero config values.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:        cfg,
		state:      StateClosed,
		lastChange: time.Now(),
		now:        time.Now,
	}
}

// IsCallPermitted reports whether a call may proceed, transitioning
// open → half-open once the reset timeout has elapsed.
func (b *Breaker) IsCallPermitted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastChange) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.probes = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenMaxAttempts {
			b.probes++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxAttempts {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed call. Any failure in half-open reopens
// the circuit and restarts the reset timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(fn func() error) error {
	if !b.IsCallPermitted() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastChange = b.now()
	b.failures = 0
	b.successes = 0
	b.probes = 0

	slog.Info("circuit breaker state change", "name", b.cfg.Name, "from", from, "to", to)
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}

// Registry manages named breakers, one per upstream.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry with default breaker config.
func NewRegistry(defaults Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), defaults: defaults}
}

// Get returns or creates the breaker for the named upstream.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	cfg.Name = name
	b = New(cfg)
	r.breakers[name] = b
	return b
}

// OpenCircuits returns the names of all currently open breakers.
func (r *Registry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open []string
	for name, b := range r.breakers {
		if b.State() == StateOpen {
			open = append(open, name)
		}
	}
	return open
}
