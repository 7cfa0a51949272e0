package circuitbreaker

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-integrity-server/pkg/errors"
)

var errBoom = stderrors.New("boom")

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func fastConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Millisecond,
		MaxTimeout:       time.Second,
		RequestTimeout:   time.Second,
		TimeWindow:       time.Minute,
	}
}

func fail(context.Context) error { return errBoom }
func pass(context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("webhook", fastConfig(), testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	require.True(t, cb.IsOpen())

	var called atomic.Bool
	err := cb.Execute(ctx, func(context.Context) error {
		called.Store(true)
		return nil
	})
	assert.True(t, IsOpenError(err))
	assert.True(t, errors.IsErrorType(err, errors.ErrUnavailable))
	assert.False(t, called.Load(), "open breaker must not call through")

	stats := cb.Statistics()
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, int64(3), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.RejectedRequests)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("amqp", fastConfig(), testLogger())
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, pass))
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("webhook", fastConfig(), testLogger())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	require.True(t, cb.IsOpen())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, pass))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, pass))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerFailedProbeReopensWithBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.ExponentialBackoff = true
	cb := NewCircuitBreaker("webhook", cfg, testLogger())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	firstOpen := cb.Statistics().NextAttempt

	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.True(t, cb.IsOpen())

	second := cb.Statistics().NextAttempt
	assert.True(t, second.Sub(firstOpen) > 50*time.Millisecond, "reopened period doubles")
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker("db", fastConfig(), testLogger())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	time.Sleep(50 * time.Millisecond)

	release := make(chan struct{})
	probing := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing
	assert.True(t, IsOpenError(cb.Execute(ctx, pass)), "second probe rejected while the first is in flight")
	close(release)
	assert.NoError(t, <-done)
}

func TestBreakerTripsOnFailureRate(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 100
	cfg.FailureRateThreshold = 0.5
	cfg.MinRequestThreshold = 4
	cb := NewCircuitBreaker("rate", cfg, testLogger())
	ctx := context.Background()

	cb.Execute(ctx, pass)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, pass)
	assert.Equal(t, StateClosed, cb.State())
	cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerAppliesRequestTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	cb := NewCircuitBreaker("slow", cfg, testLogger())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreakerFallbackAndReset(t *testing.T) {
	cb := NewCircuitBreaker("webhook", fastConfig(), testLogger())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}

	var fellBack bool
	err := cb.ExecuteWithFallback(ctx, pass, func(context.Context) error {
		fellBack = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, fellBack)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Statistics().TotalRequests)
	assert.NoError(t, cb.Execute(ctx, pass))
}

func TestManagerSharesBreakersByName(t *testing.T) {
	m := NewManager(testLogger(), fastConfig())
	custom := WebhookConfig()

	a := m.Breaker("alerts.webhook", &custom)
	assert.Same(t, a, m.Breaker("alerts.webhook", nil))
	assert.Equal(t, custom.FailureThreshold, a.config.FailureThreshold)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.Execute(ctx, "alerts.amqp", fail)
	}
	assert.Equal(t, []string{"alerts.amqp", "alerts.webhook"}, m.Names())
	assert.Equal(t, "open", m.Statistics()["alerts.amqp"].State)

	require.NoError(t, m.Reset("alerts.amqp"))
	assert.Equal(t, "closed", m.Statistics()["alerts.amqp"].State)
	assert.True(t, errors.IsErrorType(m.Reset("missing"), errors.ErrNotFound))
}

func TestConfigDefaultsFillZeroes(t *testing.T) {
	cfg := Config{}.withDefaults()
	d := DefaultConfig()
	assert.Equal(t, d.FailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, d.Timeout, cfg.Timeout)
	assert.Equal(t, d.HalfOpenProbes, cfg.HalfOpenProbes)
	assert.GreaterOrEqual(t, cfg.MaxTimeout, cfg.Timeout)
}
