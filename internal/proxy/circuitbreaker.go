package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aimerfeng/APIGate/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for circuit breakers
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open
	MaxRequests uint32
	// Interval is the cyclic period of the closed state
	// for the circuit breaker to clear the internal counts
	Interval time.Duration
	// Timeout is the period of the open state,
	// after which the state of the circuit breaker becomes half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive transport failures before opening the circuit
	FailureThreshold uint32
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// CircuitBreakerManager keeps one breaker per upstream API
type CircuitBreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	config   *CircuitBreakerConfig
	mu       sync.RWMutex
}

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerStatus contains status information about a circuit breaker
type CircuitBreakerStatus struct {
	Name         string              `json:"name"`
	State        CircuitBreakerState `json:"state"`
	Requests     uint32              `json:"requests"`
	TotalSuccess uint32              `json:"total_success"`
	TotalFailure uint32              `json:"total_failure"`
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(config *CircuitBreakerConfig) *CircuitBreakerManager {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
	}
}

// GetBreaker returns or creates the circuit breaker for an upstream
func (m *CircuitBreakerManager) GetBreaker(api string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[api]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[api]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("upstream-%s", api),
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			monitoring.SetCircuitBreakerState(api, stateToGauge(to))
			log.Info().
				Str("circuit_breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: isSuccessful,
	})

	m.breakers[api] = cb
	return cb
}

// isSuccessful counts only transport failures against the upstream.
// A caller that went away says nothing about the upstream's health.
func isSuccessful(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var te *TransportError
	return !errors.As(err, &te)
}

// Execute executes a function with circuit breaker protection
func (m *CircuitBreakerManager) Execute(ctx context.Context, api string, fn func() (interface{}, error)) (interface{}, error) {
	cb := m.GetBreaker(api)

	result, err := cb.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return fn()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().
				Str("api", api).
				Msg("Circuit breaker is open, rejecting request")
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	return result, nil
}

// GetStatus returns the status of a circuit breaker
func (m *CircuitBreakerManager) GetStatus(api string) *CircuitBreakerStatus {
	m.mu.RLock()
	cb, exists := m.breakers[api]
	m.mu.RUnlock()

	if !exists {
		return nil
	}
	return statusOf(api, cb)
}

// GetAllStatus returns status of all circuit breakers ordered by name
func (m *CircuitBreakerManager) GetAllStatus() []*CircuitBreakerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*CircuitBreakerStatus, 0, len(m.breakers))
	for api, cb := range m.breakers {
		statuses = append(statuses, statusOf(api, cb))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Reset drops the breaker of an upstream
func (m *CircuitBreakerManager) Reset(api string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, api)
}

func statusOf(api string, cb *gobreaker.CircuitBreaker) *CircuitBreakerStatus {
	counts := cb.Counts()
	return &CircuitBreakerStatus{
		Name:         api,
		State:        CircuitBreakerState(stateToString(cb.State())),
		Requests:     counts.Requests,
		TotalSuccess: counts.TotalSuccesses,
		TotalFailure: counts.TotalFailures,
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return string(CircuitBreakerStateClosed)
	case gobreaker.StateOpen:
		return string(CircuitBreakerStateOpen)
	case gobreaker.StateHalfOpen:
		return string(CircuitBreakerStateHalfOpen)
	default:
		return "unknown"
	}
}

func stateToGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
