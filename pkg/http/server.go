package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/correlation"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/metrics"
	"voice-integrity-server/pkg/ratelimit"
	"voice-integrity-server/pkg/session"
	"voice-integrity-server/pkg/version"
)

type healthCheck struct {
	checker  HealthChecker
	required bool
}

// Server is the HTTP front end: REST API, voice WebSockets, health and metrics
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler
	startTime  time.Time
	sessions   *session.Manager
	hub        *VoiceHub
	checks     map[string]healthCheck
	listener   net.Listener
	limiter    *ratelimit.HTTPMiddleware
}

type rateLimitMetrics struct{}

func (rateLimitMetrics) RecordRateLimit(_ string, allowed bool) {
	metrics.RecordRateLimit(allowed)
}

// NewServer creates the server and registers every endpoint
func NewServer(config *Config, services Services, hub *VoiceHub, logger *logrus.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.AnalysisTimeout <= 0 {
		config.AnalysisTimeout = defaults.AnalysisTimeout
	}
	if hub == nil {
		hub = NewVoiceHub(logger)
	}

	server := &Server{
		config:    config,
		logger:    logger,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		sessions:  services.Sessions,
		hub:       hub,
		checks:    make(map[string]healthCheck),
	}

	// Wrap handlers with middleware that adds Server header
	addServerHeader := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next.ServeHTTP(w, r)
		})
	}

	server.mux.HandleFunc("GET /health", server.HealthHandler)
	server.mux.HandleFunc("GET /health/live", server.LivenessHandler)
	if config.EnableMetrics && metrics.IsMetricsEnabled() {
		server.mux.Handle("GET /metrics", metrics.Handler())
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	}

	NewVoiceAPI(services, config, logger).RegisterHandlers(server.mux)
	NewVoiceStreamHandler(config.WebSocket, hub, services.Sessions, logger).RegisterHandlers(server.mux)

	handler := http.Handler(server.mux)
	if config.Auth.Enabled {
		handler = NewAuthMiddleware(config.Auth, logger).Middleware(handler)
	}
	// Limit before auth so key guessing is throttled too
	if config.RateLimit.Enabled {
		rateLimit := config.RateLimit
		server.limiter = ratelimit.NewHTTPMiddleware(&rateLimit, logger)
		server.limiter.SetMetricsRecorder(rateLimitMetrics{})
		handler = server.limiter.Middleware(handler)
	}
	handler = correlation.NewHTTPMiddleware(logger, config.LogRequests, ratelimit.ClientIP).Middleware(handler)
	server.handler = addServerHeader(handler)

	if services.Sessions != nil {
		server.AddHealthCheck("session_store", services.Sessions, true)
	}
	if services.Repository != nil {
		server.AddHealthCheck("database", services.Repository, false)
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      server.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return server
}

// Handler returns the fully wrapped root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the WebSocket hub alerts are broadcast through
func (s *Server) Hub() *VoiceHub {
	return s.hub
}

// AddHealthCheck registers a dependency probed by /health
func (s *Server) AddHealthCheck(name string, checker HealthChecker, required bool) {
	s.checks[name] = healthCheck{checker: checker, required: required}
}

// Start binds the port and serves in a goroutine. Bind errors are returned.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP port", map[string]interface{}{"port": s.config.Port})
	}
	s.listener = listener

	if s.config.TLSEnabled {
		if s.config.TLSCertFile == "" || s.config.TLSKeyFile == "" {
			listener.Close()
			return errors.NewInvalidInput("TLS is enabled but certificate or key path is missing")
		}
		// Enforce modern TLS settings
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	go func() {
		s.logger.Infof("HTTP server listening on port %d", s.config.Port)
		var err error
		if s.config.TLSEnabled {
			err = s.httpServer.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpServer.Serve(listener)
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
