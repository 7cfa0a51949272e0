package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTP status code mappings
var errorStatusCodes = map[error]int{
	ErrNotFound:           http.StatusNotFound,
	ErrInvalidInput:       http.StatusBadRequest,
	ErrInternalError:      http.StatusInternalServerError,
	ErrTimeout:            http.StatusGatewayTimeout,
	ErrUnavailable:        http.StatusServiceUnavailable,
	ErrFailedPrecondition: http.StatusPreconditionFailed,
	ErrCanceled:           http.StatusRequestTimeout,
	ErrUnauthorized:       http.StatusUnauthorized,
	ErrRateLimited:        http.StatusTooManyRequests,

	ErrSessionNotFound:       http.StatusNotFound,
	ErrSessionAlreadyActive:  http.StatusConflict,
	ErrSessionStopped:        http.StatusGone,
	ErrInvalidAudio:          http.StatusBadRequest,
	ErrInsufficientSamples:   http.StatusUnprocessableEntity,
	ErrModelNotTrained:       http.StatusPreconditionFailed,
	ErrFeatureSchemaMismatch: http.StatusInternalServerError,
	ErrAnalysisFailed:        http.StatusInternalServerError,
	ErrTrainingStale:         http.StatusConflict,
}

// WriteError writes a standardized JSON error response
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{"error": "Unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(serr.original)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}
	return http.StatusInternalServerError
}
