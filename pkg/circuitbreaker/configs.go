package circuitbreaker

import "time"

// Presets per dependency type

// WebhookConfig suits outbound alert webhooks, which may sit behind slow
// third-party endpoints
func WebhookConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		Timeout:              45 * time.Second,
		MaxTimeout:           4 * time.Minute,
		RequestTimeout:       10 * time.Second,
		ExponentialBackoff:   true,
		FailureRateThreshold: 0.5,
		MinRequestThreshold:  8,
		TimeWindow:           time.Minute,
		HalfOpenProbes:       1,
	}
}

// AMQPConfig suits broker publishes; the client already reconnects, so the
// breaker only sheds load while it does
func AMQPConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		Timeout:              20 * time.Second,
		MaxTimeout:           2 * time.Minute,
		RequestTimeout:       5 * time.Second,
		ExponentialBackoff:   true,
		FailureRateThreshold: 0.5,
		MinRequestThreshold:  10,
		TimeWindow:           time.Minute,
		HalfOpenProbes:       1,
	}
}

// DatabaseConfig suits flag and summary writes
func DatabaseConfig() Config {
	return Config{
		FailureThreshold:     10,
		SuccessThreshold:     3,
		Timeout:              30 * time.Second,
		MaxTimeout:           5 * time.Minute,
		RequestTimeout:       10 * time.Second,
		ExponentialBackoff:   true,
		FailureRateThreshold: 0.3,
		MinRequestThreshold:  20,
		TimeWindow:           2 * time.Minute,
		HalfOpenProbes:       2,
	}
}
