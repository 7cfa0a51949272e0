package correlation

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPMiddleware tags each request with a correlation ID and logs its
// completion
type HTTPMiddleware struct {
	logger      *logrus.Entry
	logRequests bool
	clientIP    func(*http.Request) string
}

// NewHTTPMiddleware creates the middleware. clientIP resolves the caller
// address for request logs; nil uses RemoteAddr.
func NewHTTPMiddleware(logger *logrus.Logger, logRequests bool, clientIP func(*http.Request) string) *HTTPMiddleware {
	if clientIP == nil {
		clientIP = func(r *http.Request) string { return r.RemoteAddr }
	}
	return &HTTPMiddleware{
		logger:      logger.WithField("component", "http"),
		logRequests: logRequests,
		clientIP:    clientIP,
	}
}

// Middleware returns an HTTP middleware function that adds correlation ID tracking
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := Parse(extract(r))

		w.Header().Set(HTTPRequestIDHeader, id.String())
		r = r.WithContext(WithCorrelationID(r.Context(), id))

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		if !m.logRequests {
			return
		}
		entry := m.logger.WithFields(logrus.Fields{
			"correlation_id": id.String(),
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         wrapper.statusCode,
			"duration_ms":    time.Since(start).Milliseconds(),
			"client_ip":      m.clientIP(r),
		})
		switch {
		case wrapper.statusCode >= 500:
			entry.Error("HTTP request completed with server error")
		case wrapper.statusCode >= 400:
			entry.Warn("HTTP request completed with client error")
		default:
			entry.Debug("HTTP request completed")
		}
	})
}

func extract(r *http.Request) string {
	if id := r.Header.Get(HTTPHeader); id != "" {
		return id
	}
	return r.Header.Get(HTTPRequestIDHeader)
}

// responseWrapper wraps http.ResponseWriter to capture status code
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWrapper) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWrapper) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Hijack lets WebSocket upgrades pass through the wrapper
func (w *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.statusCode = http.StatusSwitchingProtocols
	w.written = true
	return hijacker.Hijack()
}

func (w *responseWrapper) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter
func (w *responseWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
