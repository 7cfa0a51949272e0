package circuitbreaker

import (
	stderrors "errors"
	"fmt"
	"time"

	"voice-integrity-server/pkg/errors"
)

// OpenError is returned when a breaker rejects a call
type OpenError struct {
	CircuitName string
	State       State
	Timestamp   time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s, request rejected", e.CircuitName, e.State)
}

// Unwrap lets callers match the rejection as ErrUnavailable
func (e *OpenError) Unwrap() error {
	return errors.ErrUnavailable
}

// NewOpenError creates a rejection error for breaker name
func NewOpenError(name string, state State) *OpenError {
	return &OpenError{CircuitName: name, State: state, Timestamp: time.Now()}
}

// IsOpenError reports whether err is, or wraps, a breaker rejection
func IsOpenError(err error) bool {
	var openErr *OpenError
	return stderrors.As(err, &openErr)
}
