package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limiter is a token bucket limiter keyed by client
type Limiter struct {
	rate       float64 // tokens per second
	burst      int
	clients    map[string]*bucket
	mu         sync.Mutex
	logger     *logrus.Entry
	cleanupTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
	blockUntil time.Time
}

// Config holds rate limiter configuration
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// RequestsPerSecond is the sustained token refill rate per client
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// BurstSize is the bucket capacity
	BurstSize int `yaml:"burst_size" json:"burst_size"`

	// BlockDuration is how long a client is refused after draining its bucket.
	// Zero only refuses until a token refills.
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`

	// AnalysisCost is the token price of a synchronous analysis request.
	// Audio analysis is far heavier than a status read.
	AnalysisCost int `yaml:"analysis_cost" json:"analysis_cost"`

	// WhitelistedIPs bypass limiting; entries may be CIDRs
	WhitelistedIPs []string `yaml:"whitelisted_ips" json:"whitelisted_ips"`

	// WhitelistedPaths bypass limiting; a trailing * matches a prefix
	WhitelistedPaths []string `yaml:"whitelisted_paths" json:"whitelisted_paths"`
}

// DefaultConfig returns the limits used when RATE_LIMIT_ENABLED is set
func DefaultConfig() *Config {
	return &Config{
		Enabled:           false,
		RequestsPerSecond: 20,
		BurstSize:         40,
		BlockDuration:     0,
		AnalysisCost:      4,
		WhitelistedIPs:    []string{"127.0.0.1", "::1"},
		WhitelistedPaths:  []string{"/health", "/health/*", "/metrics", "/api/voice/health"},
	}
}

// NewLimiter creates a limiter and starts its stale-entry sweeper. Call Stop
// to end the sweeper.
func NewLimiter(rate float64, burst int, logger *logrus.Logger) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		rate:       rate,
		burst:      burst,
		clients:    make(map[string]*bucket),
		logger:     logger.WithField("component", "rate_limiter"),
		cleanupTTL: 10 * time.Minute,
		stop:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow spends one token for key
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN spends n tokens for key if the bucket holds them
func (l *Limiter) AllowN(key string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.refill(key, now)
	if now.Before(b.blockUntil) {
		return false
	}
	if n > l.burst {
		n = l.burst
	}
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// refill tops up key's bucket for elapsed time; callers hold mu
func (l *Limiter) refill(key string, now time.Time) *bucket {
	b, ok := l.clients[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastUpdate: now}
		l.clients[key] = b
		return b
	}
	b.tokens += now.Sub(b.lastUpdate).Seconds() * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastUpdate = now
	return b
}

// Block refuses key for duration and empties its bucket
func (l *Limiter) Block(key string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key, time.Now())
	b.tokens = 0
	b.blockUntil = time.Now().Add(duration)

	l.logger.WithFields(logrus.Fields{
		"key":         key,
		"block_until": b.blockUntil,
	}).Warn("Client blocked after exhausting rate limit")
}

// IsBlocked reports whether key is inside a block window
func (l *Limiter) IsBlocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.clients[key]
	return ok && time.Now().Before(b.blockUntil)
}

// Tokens returns the current token count for key
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[key]
	if !ok {
		return float64(l.burst)
	}
	tokens := b.tokens + time.Since(b.lastUpdate).Seconds()*l.rate
	if tokens > float64(l.burst) {
		tokens = float64(l.burst)
	}
	return tokens
}

// ClientCount returns the number of tracked clients
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Reset forgets every client
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients = make(map[string]*bucket)
}

// Stop ends the sweeper goroutine
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep drops clients idle past the TTL and not blocked
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.clients {
		if now.Sub(b.lastUpdate) > l.cleanupTTL && now.After(b.blockUntil) {
			delete(l.clients, key)
		}
	}
}
