package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is wrapped by every CircuitOpenError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// CircuitOpenError is returned instead of running a call while the
// circuit rejects calls
type CircuitOpenError struct {
	Name    string
	State   State
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s, retry after %s", e.Name, e.State, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithCooldown sets how long the circuit stays open before probing
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if cooldown > 0 {
			cb.cooldown = cooldown
		}
	}
}

// WithHalfOpenRequests caps concurrent probes while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if requests > 0 {
			cb.halfOpenRequests = requests
		}
	}
}

// WithName sets the name used in errors and logs
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithLogger sets the logger for state transitions
func WithLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithFailureFilter decides which errors count as failures. Errors it
// rejects are returned to the caller but leave the circuit untouched.
func WithFailureFilter(counts func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if counts != nil {
			cb.counts = counts
		}
	}
}

// CircuitBreaker stops calling a failing dependency for a cooldown period
// once consecutive failures reach the threshold, then lets a few probes
// through to decide whether to close again.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	halfOpenRequests int
	cooldown         time.Duration
	name             string
	counts           func(error) bool
	now              func() time.Time
	logger           *slog.Logger
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		halfOpenRequests: 1,
		cooldown:         30 * time.Second,
		name:             "default",
		counts:           func(err error) bool { return err != nil },
		now:              time.Now,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit rejects it. A cancelled ctx is
// returned without calling fn and without touching the circuit.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.acquire()
	if err != nil {
		return err
	}

	err = fn()
	cb.record(err, probe)
	return err
}

// State returns the current state, moving an expired open circuit to
// half-open
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireLocked()
	return cb.state
}

// Snapshot describes the breaker for health reporting
type Snapshot struct {
	Name     string
	State    State
	Failures int
	RetryAt  time.Time
}

// Snapshot returns the current state and counters
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireLocked()

	s := Snapshot{Name: cb.name, State: cb.state, Failures: cb.failures}
	if cb.state == StateOpen {
		s.RetryAt = cb.openedAt.Add(cb.cooldown)
	}
	return s
}

// Reset closes the circuit and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, "reset")
}

func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireLocked()

	switch cb.state {
	case StateOpen:
		return false, &CircuitOpenError{Name: cb.name, State: cb.state, RetryAt: cb.openedAt.Add(cb.cooldown)}
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenRequests {
			return false, &CircuitOpenError{Name: cb.name, State: cb.state, RetryAt: cb.now()}
		}
		cb.probes++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probes--
	}

	if err != nil && cb.counts(err) {
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transitionLocked(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transitionLocked(StateOpen, "probe failed")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transitionLocked(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
}

// expireLocked moves an open circuit whose cooldown elapsed to half-open
func (cb *CircuitBreaker) expireLocked() {
	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.cooldown)) {
		cb.transitionLocked(StateHalfOpen, "cooldown elapsed")
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.probes = 0

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}

	if from != to {
		cb.logger.Warn("circuit breaker state changed",
			"breaker", cb.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	}
}
