package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
)

// ErrCircuitOpen is returned, wrapped in a core.ClusterError of kind
// ResourceExhausted, for calls rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
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

// ErrorClassifier determines which errors should count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not caller errors
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	// the caller gave up
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metric labels
	Name string

	// FailureThreshold is the number of consecutive counted failures that opens the circuit
	FailureThreshold int

	// SleepWindow is how long the circuit stays open before admitting trial calls
	SleepWindow time.Duration

	// HalfOpenRequests is the number of successful trial calls that closes the circuit
	HalfOpenRequests int

	ErrorClassifier ErrorClassifier
	Logger          core.Logger
	Telemetry       core.Telemetry

	// Now overrides the clock in tests
	Now func() time.Time
}

// DefaultConfig returns the configuration used for backend connections.
func DefaultConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 2,
		ErrorClassifier:  DefaultErrorClassifier,
	}
}

// Validate checks the configuration.
func (c *CircuitBreakerConfig) Validate() error {
	switch {
	case c.Name == "":
		return breakerConfigError("circuit breaker name is required", core.ErrMissingConfiguration)
	case c.FailureThreshold < 1:
		return breakerConfigError("failure threshold must be at least 1", core.ErrInvalidConfiguration)
	case c.SleepWindow <= 0:
		return breakerConfigError("sleep window must be positive", core.ErrInvalidConfiguration)
	case c.HalfOpenRequests < 1:
		return breakerConfigError("half-open requests must be at least 1", core.ErrInvalidConfiguration)
	}
	return nil
}

func breakerConfigError(msg string, sentinel error) error {
	return &core.ClusterError{Op: "resilience.NewCircuitBreaker", Kind: core.KindConfig, Message: msg, Err: sentinel}
}

// CircuitBreaker stops calling a failing dependency for a while after
// FailureThreshold consecutive failures, then admits up to
// HalfOpenRequests trial calls before closing again.
type CircuitBreaker struct {
	config    CircuitBreakerConfig
	logger    core.Logger
	telemetry core.Telemetry
	now       func() time.Time

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
	halfOpenSuccesses   int
	listeners           []func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, breakerConfigError("circuit breaker config is required", core.ErrMissingConfiguration)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cb := &CircuitBreaker{
		config:    *config,
		logger:    core.ComponentLogger(config.Logger, "cluster/resilience"),
		telemetry: config.Telemetry,
		now:       config.Now,
	}
	if cb.config.ErrorClassifier == nil {
		cb.config.ErrorClassifier = DefaultErrorClassifier
	}
	if cb.telemetry == nil {
		cb.telemetry = &core.NoOpTelemetry{}
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb, nil
}

// Execute runs fn unless the circuit is open. Errors from fn are returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	halfOpen, ok := cb.admit()
	if !ok {
		cb.telemetry.RecordMetric("cluster.circuit.rejections.total", 1, map[string]string{"breaker": cb.config.Name})
		return &core.ClusterError{
			Op:   "resilience.Execute",
			Kind: core.KindResourceExhausted,
			ID:   cb.config.Name,
			Err:  ErrCircuitOpen,
		}
	}

	err := fn()
	cb.complete(halfOpen, err)
	return err
}

// admit reports whether a call may proceed and whether it is a half-open trial.
func (cb *CircuitBreaker) admit() (halfOpen, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.SleepWindow {
			return false, false
		}
		cb.transitionLocked(StateHalfOpen)
	}
	if cb.halfOpenInFlight+cb.halfOpenSuccesses >= cb.config.HalfOpenRequests {
		return false, false
	}
	cb.halfOpenInFlight++
	return true, true
}

func (cb *CircuitBreaker) complete(halfOpen bool, err error) {
	counted := cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if halfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	if counted {
		cb.consecutiveFailures++
		switch {
		case cb.state == StateHalfOpen:
			cb.transitionLocked(StateOpen)
		case cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold:
			cb.transitionLocked(StateOpen)
		}
		return
	}

	cb.consecutiveFailures = 0
	if halfOpen && cb.state == StateHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenRequests {
			cb.transitionLocked(StateClosed)
		}
	}
}

// transitionLocked moves to state and notifies listeners. Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if to == StateClosed {
		cb.consecutiveFailures = 0
	}

	fields := map[string]interface{}{
		"breaker": cb.config.Name,
		"from":    from.String(),
		"to":      to.String(),
	}
	if to == StateOpen {
		fields["sleep_window"] = cb.config.SleepWindow.String()
		cb.logger.Warn("Circuit breaker opened", fields)
	} else {
		cb.logger.Info("Circuit breaker state changed", fields)
	}
	cb.telemetry.RecordMetric("cluster.circuit.state", float64(to), map[string]string{"breaker": cb.config.Name})

	for _, listener := range cb.listeners {
		listener(cb.config.Name, from, to)
	}
}

// AddStateChangeListener registers fn for every state change. fn runs with
// the breaker locked and must not call back into it.
func (cb *CircuitBreaker) AddStateChangeListener(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// State returns the current state. An open circuit whose sleep window has
// passed still reports open until the next call is admitted.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) String() string {
	return fmt.Sprintf("circuit breaker %s (%s)", cb.config.Name, cb.State())
}
