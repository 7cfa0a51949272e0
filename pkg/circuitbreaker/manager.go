package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/errors"
)

// Manager owns the named breakers of one process
type Manager struct {
	logger        *logrus.Logger
	entry         *logrus.Entry
	breakers      map[string]*CircuitBreaker
	mutex         sync.RWMutex
	defaultConfig Config
}

// NewManager creates a manager whose breakers default to defaultConfig
func NewManager(logger *logrus.Logger, defaultConfig Config) *Manager {
	return &Manager{
		logger:        logger,
		entry:         logger.WithField("component", "circuit_breaker_manager"),
		breakers:      make(map[string]*CircuitBreaker),
		defaultConfig: defaultConfig,
	}
}

// Breaker returns the breaker called name, creating it with config (or the
// manager default when config is nil) on first use
func (m *Manager) Breaker(name string, config *Config) *CircuitBreaker {
	m.mutex.RLock()
	breaker, exists := m.breakers[name]
	m.mutex.RUnlock()
	if exists {
		return breaker
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	cfg := m.defaultConfig
	if config != nil {
		cfg = *config
	}
	breaker = NewCircuitBreaker(name, cfg, m.logger)
	breaker.SetStateChangeCallback(m.onStateChange)
	m.breakers[name] = breaker

	m.entry.WithFields(logrus.Fields{
		"circuit_name":      name,
		"failure_threshold": breaker.config.FailureThreshold,
		"timeout":           breaker.config.Timeout,
	}).Info("Created circuit breaker")
	return breaker
}

// Execute runs fn through the breaker called name
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.Breaker(name, nil).Execute(ctx, fn)
}

// Statistics returns a snapshot of every breaker by name
func (m *Manager) Statistics() map[string]Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	stats := make(map[string]Statistics, len(m.breakers))
	for name, breaker := range m.breakers {
		stats[name] = breaker.Statistics()
	}
	return stats
}

// Names returns the breaker names, sorted
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset closes the breaker called name
func (m *Manager) Reset(name string) error {
	m.mutex.RLock()
	breaker, exists := m.breakers[name]
	m.mutex.RUnlock()
	if !exists {
		return errors.NewNotFound("circuit breaker not found", map[string]interface{}{"name": name})
	}
	breaker.Reset()
	return nil
}

// ResetAll closes every breaker
func (m *Manager) ResetAll() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, breaker := range m.breakers {
		breaker.Reset()
	}
}

func (m *Manager) onStateChange(name string, from State, to State) {
	entry := m.entry.WithFields(logrus.Fields{
		"circuit_name": name,
		"from_state":   from.String(),
		"to_state":     to.String(),
	})
	if to == StateOpen {
		entry.Warn("Circuit opened; calls to dependency are suspended")
		return
	}
	entry.Info("Circuit breaker state changed")
}
