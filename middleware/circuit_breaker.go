package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shrek82/jormpool/core"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

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
	}
	return "unknown"
}

// CircuitBreakerMiddleware stops sending operations to a database that keeps
// failing. Only errors accepted by Trips count as failures; by default those
// are lost connections, so a bad statement never opens the circuit.
type CircuitBreakerMiddleware struct {
	Threshold    int           // Number of consecutive failures before opening
	ResetTimeout time.Duration // Time to wait before half-open
	Trips        func(error) bool

	mu             sync.Mutex
	state          State
	failures       int
	lastFailure    time.Time
	halfOpenPassed bool
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreakerMiddleware {
	return &CircuitBreakerMiddleware{
		Threshold:    threshold,
		ResetTimeout: resetTimeout,
		Trips:        IsConnectionFailure,
		state:        StateClosed,
	}
}

// IsConnectionFailure reports whether err means the database could not be reached.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, core.ErrConnectionFailed)
}

func (m *CircuitBreakerMiddleware) Name() string {
	return "CircuitBreaker"
}

func (m *CircuitBreakerMiddleware) Init(db *core.Database) error {
	return nil
}

func (m *CircuitBreakerMiddleware) Shutdown() error {
	return nil
}

// State returns the current breaker state.
func (m *CircuitBreakerMiddleware) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *CircuitBreakerMiddleware) Process(ctx context.Context, op *core.Operation, next core.QueryFunc) (*core.Result, error) {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		if time.Since(m.lastFailure) > m.ResetTimeout {
			m.state = StateHalfOpen
			m.halfOpenPassed = true
		} else {
			m.mu.Unlock()
			return nil, ErrCircuitOpen
		}
	case StateHalfOpen:
		if m.halfOpenPassed {
			// One probe at a time.
			m.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		m.halfOpenPassed = true
	}
	m.mu.Unlock()

	res, err := next(ctx, op)

	m.mu.Lock()
	defer m.mu.Unlock()

	trips := m.Trips
	if trips == nil {
		trips = IsConnectionFailure
	}
	if err != nil && trips(err) {
		m.recordFailure()
	} else {
		m.recordSuccess()
	}

	return res, err
}

func (m *CircuitBreakerMiddleware) recordFailure() {
	m.failures++
	m.lastFailure = time.Now()

	if m.state == StateClosed {
		if m.failures >= m.Threshold {
			m.state = StateOpen
		}
	} else if m.state == StateHalfOpen {
		m.state = StateOpen
		m.halfOpenPassed = false
	}
}

func (m *CircuitBreakerMiddleware) recordSuccess() {
	if m.state == StateHalfOpen {
		m.state = StateClosed
		m.halfOpenPassed = false
	}
	m.failures = 0
}
