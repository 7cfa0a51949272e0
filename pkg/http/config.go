package http

import (
	"time"

	"voice-integrity-server/pkg/ratelimit"
)

// Config holds the HTTP server configuration
type Config struct {
	// Port is the HTTP server port
	Port int `yaml:"port" json:"port"`

	// Enabled determines if the HTTP server should be started
	Enabled bool `yaml:"enabled" json:"enabled"`

	// EnableMetrics exposes /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for the server to shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// MaxBodyBytes caps REST request bodies, which carry base64 audio
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// AnalysisTimeout bounds one synchronous REST analysis
	AnalysisTimeout time.Duration `yaml:"analysis_timeout" json:"analysis_timeout"`

	// LogRequests logs every completed request with its correlation ID
	LogRequests bool `yaml:"log_requests" json:"log_requests"`

	// TLS configuration
	TLSEnabled  bool   `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`

	WebSocket WebSocketConfig  `yaml:"websocket" json:"websocket"`
	Auth      AuthConfig       `yaml:"auth" json:"auth"`
	RateLimit ratelimit.Config `yaml:"rate_limit" json:"rate_limit"`
}

// WebSocketConfig holds voice stream limits
type WebSocketConfig struct {
	MaxMessageBytes int64         `yaml:"max_message_bytes" json:"max_message_bytes"`
	StopTimeout     time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// DefaultWebSocketConfig accepts chunks up to 1 MiB
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		MaxMessageBytes: 1 << 20,
		StopTimeout:     10 * time.Second,
	}
}

// DefaultConfig returns default configuration for the HTTP server
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		Enabled:         true,
		EnableMetrics:   true,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    32 << 20,
		AnalysisTimeout: 45 * time.Second,
		LogRequests:     true,
		WebSocket:       DefaultWebSocketConfig(),
		Auth: AuthConfig{
			ExemptPaths: []string{"/health", "/metrics", "/api/voice/health"},
		},
		RateLimit: *ratelimit.DefaultConfig(),
	}
}
