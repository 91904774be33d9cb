// Package circuit provides the circuit breaker guarding pool connections and
// event sinks of the GOMP pool miner.
package circuit

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	"github.com/bardlex/gomp-miner/pkg/errors"
)

// ErrOpen is the cause of every call rejected by an open breaker
var ErrOpen = stdErrors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected until Timeout has passed
	StateOpen
	// StateHalfOpen - calls pass through to probe recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Reported with state changes and rejections
	MaxFailures     int           // Consecutive failures before opening
	SuccessRequired int           // Successful probes required to close from half-open
	Timeout         time.Duration // How long to stay open before probing
	ResetTimeout    time.Duration // How long until a closed breaker forgets old failures

	// OnStateChange is called after every transition, outside the lock
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used for pool connections
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 1,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config Config
	now    func() time.Time
	mutex  sync.Mutex

	state        State
	failures     int
	successes    int
	openedAt     time.Time
	lastFailTime time.Time
	windowStart  time.Time
}

// New creates a closed breaker. A nil config uses DefaultConfig.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	cb := &Breaker{config: *config, now: time.Now}
	if cb.config.MaxFailures < 1 {
		cb.config.MaxFailures = 1
	}
	if cb.config.SuccessRequired < 1 {
		cb.config.SuccessRequired = 1
	}
	cb.windowStart = cb.now()
	return cb
}

// Execute runs fn unless the breaker is open. A context that is already
// done is returned without calling fn. Failures of calls whose context was
// cancelled are not counted; deadlines are.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if from, to, changed, ok := cb.allow(); !ok {
		return errors.Wrap(ErrOpen, errors.ErrorTypeInternal, "circuit_breaker",
			"call rejected").
			WithContext("breaker", cb.config.Name).
			WithContext("retry_after", cb.RetryAfter().String())
	} else if changed {
		cb.notify(from, to)
	}

	err := fn()

	cancelled := stdErrors.Is(ctx.Err(), context.Canceled)
	if from, to, changed := cb.record(err, cancelled); changed {
		cb.notify(from, to)
	}
	return err
}

// IsOpen reports whether err is a rejection by an open breaker
func IsOpen(err error) bool {
	return stdErrors.Is(err, ErrOpen)
}

func (cb *Breaker) allow() (from, to State, changed, ok bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		if cb.config.ResetTimeout > 0 && now.Sub(cb.windowStart) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.windowStart = now
		}
		return cb.state, cb.state, false, true

	case StateOpen:
		if now.Sub(cb.openedAt) < cb.config.Timeout {
			return cb.state, cb.state, false, false
		}
		cb.successes = 0
		return cb.transition(StateHalfOpen), StateHalfOpen, true, true

	default:
		return cb.state, cb.state, false, true
	}
}

// record counts the outcome of a call
func (cb *Breaker) record(err error, cancelled bool) (from, to State, changed bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil && cancelled {
		return cb.state, cb.state, false
	}

	now := cb.now()
	if err != nil {
		cb.failures++
		cb.lastFailTime = now

		switch {
		case cb.state == StateHalfOpen,
			cb.state == StateClosed && cb.failures >= cb.config.MaxFailures:
			cb.openedAt = now
			cb.successes = 0
			return cb.transition(StateOpen), StateOpen, true
		}
		return cb.state, cb.state, false
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessRequired {
			cb.failures = 0
			cb.successes = 0
			cb.windowStart = now
			return cb.transition(StateClosed), StateClosed, true
		}
	case StateClosed:
		cb.failures = 0
	}
	return cb.state, cb.state, false
}

// transition sets the new state and returns the old one. The caller holds
// the lock.
func (cb *Breaker) transition(to State) State {
	from := cb.state
	cb.state = to
	return from
}

func (cb *Breaker) notify(from, to State) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state. An open breaker whose timeout has passed
// still reports open until the next call probes it.
func (cb *Breaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// RetryAfter returns how long an open breaker keeps rejecting calls
func (cb *Breaker) RetryAfter() time.Duration {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	if d := cb.config.Timeout - cb.now().Sub(cb.openedAt); d > 0 {
		return d
	}
	return 0
}

// Stats returns a snapshot of the breaker counters
func (cb *Breaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Reset closes the breaker and forgets all failures
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	from := cb.transition(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.windowStart = cb.now()
	cb.mutex.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
