package infra

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned by Allow while the circuit rejects work.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this breaker in logs and stats.
	Name string

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit from closed.
	FailureThreshold int

	// HalfOpenSuccesses is the consecutive-success count in half-open that
	// closes the circuit. It also caps concurrent admissions while half-open
	// (enforced by the caller via State).
	HalfOpenSuccesses int

	// RecoveryAfter is how long the circuit stays open before the next
	// admission attempt moves it to half-open.
	RecoveryAfter time.Duration

	// Neutral classifies errors that must not count as circuit failures.
	// A saturated endpoint (429) is alive, so it reports neutral.
	Neutral func(error) bool

	// OnStateChange is invoked on every transition.
	OnStateChange func(from, to string)
}

// CircuitBreaker guards an outbound dependency. Closed admits everything and
// counts consecutive failures; open rejects immediately until RecoveryAfter
// has elapsed; half-open admits a trickle and closes again only after
// HalfOpenSuccesses consecutive successes.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = 3
	}
	if config.RecoveryAfter <= 0 {
		config.RecoveryAfter = 30 * time.Second
	}

	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether new work may start. While open it returns
// ErrCircuitOpen until the recovery window elapses, at which point the
// admission itself flips the breaker to half-open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastStateChange) >= cb.config.RecoveryAfter {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Record feeds one outcome into the breaker. Neutral errors (per config) are
// ignored entirely: the endpoint answered, it is just saturated.
func (cb *CircuitBreaker) Record(err error) {
	if err != nil && cb.config.Neutral != nil && cb.config.Neutral(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

// Execute combines Allow, fn, and Record.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// One failure while probing re-opens and restarts the recovery timer.
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenSuccesses {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current state string.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:              cb.config.Name,
		State:             cb.state,
		Failures:          cb.failures,
		Successes:         cb.successes,
		LastFailure:       cb.lastFailure,
		LastStateChange:   cb.lastStateChange,
		HalfOpenSuccesses: cb.config.HalfOpenSuccesses,
		RecoveryAfter:     cb.config.RecoveryAfter,
	}
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = time.Now()
}

// CircuitBreakerStats is a point-in-time snapshot.
type CircuitBreakerStats struct {
	Name              string
	State             string
	Failures          int
	Successes         int
	LastFailure       time.Time
	LastStateChange   time.Time
	HalfOpenSuccesses int
	RecoveryAfter     time.Duration
}
