package correlation

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Header names checked for an incoming request ID, in order
const (
	HTTPHeader          = "X-Correlation-ID"
	HTTPRequestIDHeader = "X-Request-ID"
)

// maxIDLength bounds IDs accepted from clients
const maxIDLength = 128

type contextKey int

const (
	correlationIDKey contextKey = iota
	sessionIDKey
)

// ID identifies one request across logs, alerts and stored events
type ID string

func (id ID) String() string {
	return string(id)
}

// IsEmpty returns true if the correlation ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// New generates a random correlation ID
func New() ID {
	return ID(uuid.New().String())
}

// Parse accepts a client supplied ID when it is short and printable.
// Anything else is replaced with a fresh ID so headers cannot forge log lines.
func Parse(s string) ID {
	if s == "" || len(s) > maxIDLength {
		return New()
	}
	for _, c := range s {
		if !(c == '-' || c == '_' || c == '.' || c == ':' ||
			(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return New()
		}
	}
	return ID(s)
}

// WithCorrelationID returns a new context with the correlation ID attached
func WithCorrelationID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// FromContext extracts the correlation ID from a context
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(ID); ok {
		return id
	}
	return ""
}

// WithSessionID tags ctx with the voice session being served
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext returns the session ID set by WithSessionID
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// Fields returns the correlation fields carried by ctx
func Fields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := FromContext(ctx); !id.IsEmpty() {
		fields["correlation_id"] = id.String()
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields["session_id"] = sessionID
	}
	return fields
}

// Entry adds the correlation fields of ctx to entry
func Entry(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	fields := Fields(ctx)
	if len(fields) == 0 {
		return entry
	}
	return entry.WithFields(fields)
}
