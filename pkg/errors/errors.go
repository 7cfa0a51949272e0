package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limit exceeded")

	// Voice integrity sentinels
	ErrSessionNotFound       = errors.New("voice session not found")
	ErrSessionAlreadyActive  = errors.New("session already active")
	ErrSessionStopped        = errors.New("voice session stopped")
	ErrInvalidAudio          = errors.New("invalid audio payload")
	ErrInsufficientSamples   = errors.New("insufficient training samples")
	ErrModelNotTrained       = errors.New("model not trained")
	ErrFeatureSchemaMismatch = errors.New("feature schema mismatch")
	ErrAnalysisFailed        = errors.New("analysis failed")
	ErrTrainingStale         = errors.New("training set changed during training")
)

// Error represents a structured error with caller location and context fields
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional error code for categorization
	Code string
}

func newError(skip int, original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(1, errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(1, err, message, GetErrorCode(err), fields)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField returns a copy of the error with one more context field
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields returns a copy of the error with the given context fields merged in
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error carrying code
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Is reports whether the wrapped error matches target
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"error":    e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewNotFound creates an ErrNotFound error with additional context
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrNotFound, message, "NOT_FOUND", fields)
}

// NewInvalidInput creates an ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewInternalError creates an ErrInternalError with additional context
func NewInternalError(message string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrInternalError, message, "INTERNAL_ERROR", fields)
}

// NewSessionNotFound reports a chunk, stop or lookup for an unknown session
func NewSessionNotFound(sessionID string, fields ...map[string]interface{}) *Error {
	err := newError(1, ErrSessionNotFound, fmt.Sprintf("voice session not found: %s", sessionID), "SESSION_NOT_FOUND", fields)
	err.fields["session_id"] = sessionID
	return err
}

// NewSessionAlreadyActive reports a second start for a live session identifier
func NewSessionAlreadyActive(sessionID string) *Error {
	err := newError(1, ErrSessionAlreadyActive, "Session already active", "SESSION_ALREADY_ACTIVE", nil)
	err.fields["session_id"] = sessionID
	return err
}

// NewInvalidAudio reports an audio payload that cannot be decoded
func NewInvalidAudio(details string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrInvalidAudio, fmt.Sprintf("invalid audio payload: %s", details), "INVALID_AUDIO", fields)
}

// NewInsufficientSamples reports a training request below the minimum sample count
func NewInsufficientSamples(have, need int) *Error {
	err := newError(1, ErrInsufficientSamples,
		fmt.Sprintf("need at least %d training samples, have %d", need, have), "INSUFFICIENT_SAMPLES", nil)
	err.fields["samples"] = have
	err.fields["required"] = need
	return err
}

// NewFeatureSchemaMismatch reports a persisted model whose feature ordering differs from the current one
func NewFeatureSchemaMismatch(expected, got []string) *Error {
	err := newError(1, ErrFeatureSchemaMismatch,
		"persisted model feature names do not match the current feature schema", "FEATURE_SCHEMA_MISMATCH", nil)
	err.fields["expected"] = expected
	err.fields["got"] = got
	return err
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
