package alerting

import (
	"context"

	"voice-integrity-server/pkg/circuitbreaker"
)

// GuardedChannel sends through a circuit breaker so a dead webhook or broker
// fails fast instead of holding every alert for the full send timeout
type GuardedChannel struct {
	NotificationChannel
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedChannel wraps channel with breaker
func NewGuardedChannel(channel NotificationChannel, breaker *circuitbreaker.CircuitBreaker) *GuardedChannel {
	return &GuardedChannel{NotificationChannel: channel, breaker: breaker}
}

func (g *GuardedChannel) Send(ctx context.Context, alert *IntegrityAlert) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.NotificationChannel.Send(ctx, alert)
	})
}

// Breaker returns the breaker guarding the channel
func (g *GuardedChannel) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

// guard wraps remote channels; in-process channels are returned unchanged
func guard(channel NotificationChannel, breakers *circuitbreaker.Manager) NotificationChannel {
	var cfg circuitbreaker.Config
	switch channel.(type) {
	case *WebhookChannel:
		cfg = circuitbreaker.WebhookConfig()
	case *AMQPChannel:
		cfg = circuitbreaker.AMQPConfig()
	default:
		return channel
	}
	return NewGuardedChannel(channel, breakers.Breaker("alerts."+channel.GetName(), &cfg))
}

// UseBreakers guards current and future remote channels with breakers
// from m
func (am *AlertManager) UseBreakers(m *circuitbreaker.Manager) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.breakers = m
	for name, ch := range am.channels {
		am.channels[name] = guard(ch, m)
	}
}

// ChannelStatus reports each channel and, when guarded, its breaker state
func (am *AlertManager) ChannelStatus() map[string]interface{} {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	out := make(map[string]interface{}, len(am.channels))
	for _, name := range am.order {
		ch := am.channels[name]
		status := map[string]interface{}{"enabled": ch.IsEnabled()}
		if g, ok := ch.(*GuardedChannel); ok {
			status["circuit"] = g.breaker.Statistics()
		}
		out[name] = status
	}
	return out
}
