package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/metrics"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency until a cool-down
// passes, then lets probe requests through
type CircuitBreaker struct {
	name        string
	logger      *logrus.Entry
	config      Config
	state       State
	failures    int64
	nextAttempt time.Time
	probes      int64
	stats       Statistics
	window      []requestRecord
	mutex       sync.Mutex

	onStateChange func(name string, from State, to State)
}

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the consecutive failures that open the circuit
	FailureThreshold int64 `yaml:"failure_threshold" json:"failure_threshold"`

	// SuccessThreshold is the half-open successes that close it again
	SuccessThreshold int64 `yaml:"success_threshold" json:"success_threshold"`

	// Timeout is the first open period
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxTimeout caps the open period under exponential backoff
	MaxTimeout time.Duration `yaml:"max_timeout" json:"max_timeout"`

	// RequestTimeout bounds calls whose context has no deadline
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	ExponentialBackoff bool `yaml:"exponential_backoff" json:"exponential_backoff"`

	// FailureRateThreshold opens the circuit when the windowed failure rate
	// reaches it, once MinRequestThreshold requests are in the window
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" json:"failure_rate_threshold"`
	MinRequestThreshold  int64         `yaml:"min_request_threshold" json:"min_request_threshold"`
	TimeWindow           time.Duration `yaml:"time_window" json:"time_window"`

	// HalfOpenProbes is how many requests may be in flight while half-open
	HalfOpenProbes int64 `yaml:"half_open_probes" json:"half_open_probes"`
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		Timeout:              30 * time.Second,
		MaxTimeout:           5 * time.Minute,
		RequestTimeout:       10 * time.Second,
		ExponentialBackoff:   true,
		FailureRateThreshold: 0.5,
		MinRequestThreshold:  10,
		TimeWindow:           time.Minute,
		HalfOpenProbes:       1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxTimeout < c.Timeout {
		c.MaxTimeout = c.Timeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = d.TimeWindow
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// Statistics is a snapshot of one breaker
type Statistics struct {
	State                string    `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	SuccessfulRequests   int64     `json:"successful_requests"`
	FailedRequests       int64     `json:"failed_requests"`
	RejectedRequests     int64     `json:"rejected_requests"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	StateTransitions     int64     `json:"state_transitions"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime      time.Time `json:"last_success_time,omitempty"`
	NextAttempt          time.Time `json:"next_attempt,omitempty"`
}

type requestRecord struct {
	timestamp time.Time
	success   bool
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, config Config, logger *logrus.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: config.withDefaults(),
		state:  StateClosed,
	}
	metrics.SetCircuitState(name, int(StateClosed))
	return cb
}

// Execute runs fn unless the circuit is open. Rejections return an
// OpenError without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	state, ok := cb.allowRequest()
	if !ok {
		return NewOpenError(cb.name, state)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	err := fn(ctx)
	if err != nil {
		cb.recordFailure(err, state)
		return err
	}
	cb.recordSuccess(state)
	return nil
}

// ExecuteWithFallback runs fallback when the circuit rejects fn
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, fn func(ctx context.Context) error, fallback func(ctx context.Context) error) error {
	err := cb.Execute(ctx, fn)
	if err != nil && IsOpenError(err) && fallback != nil {
		cb.logger.WithError(err).Debug("Circuit open, executing fallback")
		return fallback(ctx)
	}
	return err
}

// allowRequest admits a call and returns the state it was admitted under
func (cb *CircuitBreaker) allowRequest() (State, bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return StateClosed, true
	case StateOpen:
		if time.Now().Before(cb.nextAttempt) {
			cb.stats.RejectedRequests++
			return StateOpen, false
		}
		cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			cb.stats.RejectedRequests++
			return StateHalfOpen, false
		}
		cb.probes++
		return StateHalfOpen, true
	}
	return cb.state, false
}

func (cb *CircuitBreaker) recordSuccess(admitted State) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	cb.failures = 0
	cb.stats.TotalRequests++
	cb.stats.SuccessfulRequests++
	cb.stats.ConsecutiveFailures = 0
	cb.stats.ConsecutiveSuccesses++
	cb.stats.LastSuccessTime = now
	cb.addWindowRecord(now, true)

	if admitted == StateHalfOpen && cb.state == StateHalfOpen {
		cb.probes--
		if cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error, admitted State) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	cb.failures++
	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.ConsecutiveFailures++
	cb.stats.ConsecutiveSuccesses = 0
	cb.stats.LastFailureTime = now
	cb.addWindowRecord(now, false)

	if admitted == StateHalfOpen && cb.state == StateHalfOpen {
		// a failed probe reopens immediately
		cb.probes--
		cb.setState(StateOpen)
	} else if cb.state == StateClosed && cb.shouldTrip() {
		cb.setState(StateOpen)
	}

	cb.logger.WithError(err).WithFields(logrus.Fields{
		"failures": cb.failures,
		"state":    cb.state.String(),
	}).Debug("Circuit breaker recorded failure")
}

// shouldTrip is called with mutex held
func (cb *CircuitBreaker) shouldTrip() bool {
	if cb.failures >= cb.config.FailureThreshold {
		return true
	}
	if cb.config.FailureRateThreshold <= 0 || int64(len(cb.window)) < cb.config.MinRequestThreshold {
		return false
	}
	var failed int
	for _, r := range cb.window {
		if !r.success {
			failed++
		}
	}
	return float64(failed)/float64(len(cb.window)) >= cb.config.FailureRateThreshold
}

// addWindowRecord appends a record and drops those older than the window
func (cb *CircuitBreaker) addWindowRecord(timestamp time.Time, success bool) {
	cb.window = append(cb.window, requestRecord{timestamp: timestamp, success: success})
	windowStart := timestamp.Add(-cb.config.TimeWindow)
	i := 0
	for i < len(cb.window) && !cb.window[i].timestamp.After(windowStart) {
		i++
	}
	cb.window = cb.window[i:]
}

// setState is called with mutex held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateOpen:
		timeout := cb.config.Timeout
		if cb.config.ExponentialBackoff && cb.failures > cb.config.FailureThreshold {
			shift := cb.failures - cb.config.FailureThreshold
			if shift > 10 {
				shift = 10
			}
			timeout = cb.config.Timeout << uint(shift)
		}
		if timeout > cb.config.MaxTimeout {
			timeout = cb.config.MaxTimeout
		}
		cb.nextAttempt = time.Now().Add(timeout)
	case StateClosed:
		cb.failures = 0
		cb.nextAttempt = time.Time{}
		cb.window = nil
	case StateHalfOpen:
		cb.probes = 0
		cb.stats.ConsecutiveSuccesses = 0
	}
	cb.stats.StateTransitions++
	metrics.SetCircuitState(cb.name, int(newState))

	cb.logger.WithFields(logrus.Fields{
		"from_state": oldState.String(),
		"to_state":   newState.String(),
		"failures":   cb.failures,
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// State returns the current state. An open breaker whose cool-down has
// passed still reports open until the next request probes it.
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Statistics returns a snapshot
func (cb *CircuitBreaker) Statistics() Statistics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	s := cb.stats
	s.State = cb.state.String()
	s.NextAttempt = cb.nextAttempt
	return s
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.probes = 0
	cb.window = nil
	cb.stats = Statistics{}
	cb.logger.Info("Circuit breaker reset")
}

// SetStateChangeCallback sets a callback run in its own goroutine on each
// transition
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(name string, from State, to State)) {
	cb.mutex.Lock()
	cb.onStateChange = callback
	cb.mutex.Unlock()
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen reports whether calls are currently rejected
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}
