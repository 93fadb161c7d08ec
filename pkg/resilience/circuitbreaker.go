package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests through to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
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

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing dependency for a cool-down period
// once maxFailures consecutive failures were observed.
type CircuitBreaker struct {
	maxFailures  int
	timeout      time.Duration
	isFailure    func(error) bool
	state        State
	failures     int
	lastFailTime time.Time
	mu           sync.RWMutex
}

// NewCircuitBreaker creates a breaker that opens after maxFailures consecutive
// failures and probes again once timeout has elapsed. isFailure decides which
// errors count; nil counts every error.
func NewCircuitBreaker(maxFailures int, timeout time.Duration, isFailure func(error) bool) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	if isFailure == nil {
		isFailure = func(error) bool { return true }
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		isFailure:   isFailure,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows it. Errors that do not count as
// failures are returned without touching the breaker state.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.canExecute() {
		return ErrCircuitBreakerOpen
	}

	err := fn()
	switch {
	case err == nil:
		cb.recordSuccess()
	case cb.isFailure(err):
		cb.recordFailure()
	}
	return err
}

func (cb *CircuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailTime) > cb.timeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailTime = time.Now()
	if cb.state == StateHalfOpen {
		// a failed probe reopens immediately
		cb.state = StateOpen
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetFailures returns the current consecutive failure count
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}

// BreakerSet keeps one lazily created CircuitBreaker per key, typically a
// physical partition id. A nil *BreakerSet runs every call directly.
type BreakerSet struct {
	maxFailures int
	timeout     time.Duration
	isFailure   func(error) bool

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a set whose breakers share one configuration.
func NewBreakerSet(maxFailures int, timeout time.Duration, isFailure func(error) bool) *BreakerSet {
	return &BreakerSet{
		maxFailures: maxFailures,
		timeout:     timeout,
		isFailure:   isFailure,
		breakers:    make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(s.maxFailures, s.timeout, s.isFailure)
		s.breakers[key] = cb
	}
	return cb
}

// Execute runs fn through the breaker for key.
func (s *BreakerSet) Execute(key string, fn func() error) error {
	if s == nil {
		return fn()
	}
	return s.Get(key).Execute(fn)
}

// Open returns the keys whose breakers are currently open.
func (s *BreakerSet) Open() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, cb := range s.breakers {
		if cb.GetState() == StateOpen {
			keys = append(keys, key)
		}
	}
	return keys
}
