package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/errors"
)

// analysisPaths are charged Config.AnalysisCost tokens
var analysisPaths = []string{"/api/voice/analyze/*", "/api/voice/model/train", "/api/voice/process-audio"}

// MetricsRecorder receives one call per limited request
type MetricsRecorder interface {
	RecordRateLimit(path string, allowed bool)
}

// HTTPMiddleware limits API requests per client. A client is its API key
// when one is presented, otherwise its IP.
type HTTPMiddleware struct {
	limiter          *Limiter
	config           *Config
	logger           *logrus.Entry
	whitelistedIPs   map[string]bool
	whitelistedNets  []*net.IPNet
	whitelistedPaths []string
	metricsRecorder  MetricsRecorder
}

// NewHTTPMiddleware creates the middleware and its limiter
func NewHTTPMiddleware(config *Config, logger *logrus.Logger) *HTTPMiddleware {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AnalysisCost <= 0 {
		config.AnalysisCost = 1
	}

	m := &HTTPMiddleware{
		limiter:        NewLimiter(config.RequestsPerSecond, config.BurstSize, logger),
		config:         config,
		logger:         logger.WithField("component", "rate_limit_middleware"),
		whitelistedIPs: make(map[string]bool),
	}

	for _, ip := range config.WhitelistedIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				m.logger.WithError(err).Warnf("Invalid CIDR in whitelist: %s", ip)
				continue
			}
			m.whitelistedNets = append(m.whitelistedNets, ipNet)
		} else {
			m.whitelistedIPs[ip] = true
		}
	}
	for _, path := range config.WhitelistedPaths {
		if path = strings.TrimSpace(path); path != "" {
			m.whitelistedPaths = append(m.whitelistedPaths, path)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"rps":               config.RequestsPerSecond,
		"burst":             config.BurstSize,
		"analysis_cost":     config.AnalysisCost,
		"whitelisted_ips":   len(m.whitelistedIPs) + len(m.whitelistedNets),
		"whitelisted_paths": len(m.whitelistedPaths),
	}).Info("HTTP rate limiting initialized")

	return m
}

// SetMetricsRecorder sets the metrics recorder for the middleware
func (m *HTTPMiddleware) SetMetricsRecorder(recorder MetricsRecorder) {
	m.metricsRecorder = recorder
}

// Limiter returns the underlying limiter
func (m *HTTPMiddleware) Limiter() *Limiter {
	return m.limiter
}

// Stop releases the limiter
func (m *HTTPMiddleware) Stop() {
	m.limiter.Stop()
}

// Middleware wraps next; disabled configs return next unchanged
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	if !m.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		clientIP := ClientIP(r)
		if matchPath(m.whitelistedPaths, path) || m.isIPWhitelisted(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		key := clientKey(r, clientIP)
		cost := 1
		if matchPath(analysisPaths, path) {
			cost = m.config.AnalysisCost
		}

		limit := strconv.FormatFloat(m.config.RequestsPerSecond, 'f', 0, 64)
		if !m.limiter.AllowN(key, cost) {
			m.logger.WithFields(logrus.Fields{
				"client_ip": clientIP,
				"path":      path,
				"method":    r.Method,
				"cost":      cost,
			}).Warn("Rate limit exceeded")
			if m.config.BlockDuration > 0 {
				m.limiter.Block(key, m.config.BlockDuration)
			}
			if m.metricsRecorder != nil {
				m.metricsRecorder.RecordRateLimit(path, false)
			}

			w.Header().Set("Retry-After", strconv.Itoa(m.retryAfter(cost)))
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", "0")
			errors.WriteError(w, errors.Wrap(errors.ErrRateLimited, "too many requests, retry later"))
			return
		}

		w.Header().Set("X-RateLimit-Limit", limit)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(m.limiter.Tokens(key))))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))
		if m.metricsRecorder != nil {
			m.metricsRecorder.RecordRateLimit(path, true)
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole seconds until cost tokens refill or the block ends
func (m *HTTPMiddleware) retryAfter(cost int) int {
	if m.config.BlockDuration > 0 {
		return int(m.config.BlockDuration.Round(time.Second) / time.Second)
	}
	if m.config.RequestsPerSecond <= 0 {
		return 60
	}
	secs := int(float64(cost)/m.config.RequestsPerSecond) + 1
	return secs
}

// ClientIP extracts the caller address, honoring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientKey prefers the presented API key so clients behind one NAT do not
// share a bucket. Keys are hashed before they are used as map keys or logged.
func clientKey(r *http.Request, clientIP string) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			key = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if key == "" {
		return "ip:" + clientIP
	}
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:8])
}

func (m *HTTPMiddleware) isIPWhitelisted(ip string) bool {
	if m.whitelistedIPs[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range m.whitelistedNets {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

// matchPath matches exact entries and entries ending in * as prefixes
func matchPath(patterns []string, path string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if path == p {
			return true
		}
	}
	return false
}
