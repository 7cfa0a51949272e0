package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestLimiter(t *testing.T, rate float64, burst int) *Limiter {
	l := NewLimiter(rate, burst, newTestLogger())
	t.Cleanup(l.Stop)
	return l
}

func TestLimiterAllowWithinBurst(t *testing.T) {
	limiter := newTestLimiter(t, 10, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("client1"), "request %d", i+1)
	}
	assert.False(t, limiter.Allow("client1"))
}

func TestLimiterTokenRefill(t *testing.T) {
	limiter := newTestLimiter(t, 10, 5)

	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow("client1"))
	}
	require.False(t, limiter.Allow("client1"))

	// 100ms is one token at 10/sec
	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow("client1"))
	assert.False(t, limiter.Allow("client1"))
}

func TestLimiterSeparateClients(t *testing.T) {
	limiter := newTestLimiter(t, 10, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("client1"))
	}
	assert.False(t, limiter.Allow("client1"))

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("client2"))
	}
	assert.Equal(t, 2, limiter.ClientCount())
}

func TestLimiterAllowNChargesCost(t *testing.T) {
	limiter := newTestLimiter(t, 1, 10)

	assert.True(t, limiter.AllowN("c", 4))
	assert.True(t, limiter.AllowN("c", 4))
	assert.False(t, limiter.AllowN("c", 4))
	assert.True(t, limiter.Allow("c"))
	assert.InDelta(t, 1.0, limiter.Tokens("c"), 0.1)
}

func TestLimiterAllowNCapsAtBurst(t *testing.T) {
	limiter := newTestLimiter(t, 1, 3)
	assert.True(t, limiter.AllowN("c", 50), "a cost above the burst is charged as the full bucket")
	assert.False(t, limiter.Allow("c"))
}

func TestLimiterBlock(t *testing.T) {
	limiter := newTestLimiter(t, 10, 5)

	limiter.Block("client1", 100*time.Millisecond)
	assert.True(t, limiter.IsBlocked("client1"))
	assert.False(t, limiter.Allow("client1"))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, limiter.IsBlocked("client1"))
	assert.True(t, limiter.Allow("client1"))
}

func TestLimiterSweepAndReset(t *testing.T) {
	limiter := newTestLimiter(t, 10, 5)
	limiter.Allow("idle")
	limiter.Block("blocked", time.Hour)

	limiter.sweep(time.Now().Add(limiter.cleanupTTL + time.Minute))
	assert.False(t, limiter.IsBlocked("idle"))
	assert.True(t, limiter.IsBlocked("blocked"))
	assert.Equal(t, 1, limiter.ClientCount())

	limiter.Reset()
	assert.Zero(t, limiter.ClientCount())
	assert.Equal(t, 5.0, limiter.Tokens("anyone"))
}

func TestLimiterConcurrentAccess(t *testing.T) {
	limiter := newTestLimiter(t, 0, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if limiter.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func TestLimiterNeverGrantsMoreThanBurst(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		burst := rapid.IntRange(1, 50).Draw(t, "burst")
		costs := rapid.SliceOfN(rapid.IntRange(1, 10), 1, 100).Draw(t, "costs")

		l := NewLimiter(0, burst, newTestLogger())
		defer l.Stop()

		spent := 0
		for _, c := range costs {
			if l.AllowN("k", c) {
				if c > burst {
					c = burst
				}
				spent += c
			}
		}
		if spent > burst {
			t.Fatalf("spent %d tokens from a bucket of %d", spent, burst)
		}
	})
}
