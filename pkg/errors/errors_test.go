package errors

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("analysis broke")
	if err == nil {
		t.Fatal("New() returned nil")
	}
	if err.Error() != "analysis broke" {
		t.Errorf("Expected plain message, got: %s", err.Error())
	}
	if !strings.HasPrefix(err.Location(), "errors_test.go:") {
		t.Errorf("Location should point at the caller, got: %s", err.Location())
	}
}

func TestWrapKeepsCause(t *testing.T) {
	baseErr := errors.New("decoder exploded")
	err := Wrap(baseErr, "speaker analysis")

	if !strings.Contains(err.Error(), "speaker analysis") || !strings.Contains(err.Error(), "decoder exploded") {
		t.Errorf("Wrapped message lost context: %s", err.Error())
	}
	if errors.Unwrap(err) != baseErr {
		t.Errorf("Unwrap() returned wrong error: %v", errors.Unwrap(err))
	}
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	inner := NewSessionNotFound("s-1")
	outer := Wrap(inner, "stop failed")
	if outer.GetCode() != "SESSION_NOT_FOUND" {
		t.Errorf("Expected code to survive wrapping, got %q", outer.GetCode())
	}
	if !errors.Is(outer, ErrSessionNotFound) {
		t.Error("errors.Is should see the sentinel through two layers")
	}
}

func TestWithFieldCopies(t *testing.T) {
	base := New("boom")
	withField := base.WithField("session_id", "abc")

	if len(base.GetFields()) != 0 {
		t.Error("WithField must not mutate the receiver")
	}
	if withField.GetFields()["session_id"] != "abc" {
		t.Errorf("Expected field to be set, got: %v", withField.GetFields())
	}

	merged := withField.WithFields(map[string]interface{}{"chunks": 3})
	if len(merged.GetFields()) != 2 {
		t.Fatalf("Expected 2 fields, got %d", len(merged.GetFields()))
	}
}

func TestDomainConstructors(t *testing.T) {
	testCases := []struct {
		name     string
		err      *Error
		sentinel error
		code     string
	}{
		{"SessionNotFound", NewSessionNotFound("a"), ErrSessionNotFound, "SESSION_NOT_FOUND"},
		{"SessionAlreadyActive", NewSessionAlreadyActive("a"), ErrSessionAlreadyActive, "SESSION_ALREADY_ACTIVE"},
		{"InvalidAudio", NewInvalidAudio("odd length"), ErrInvalidAudio, "INVALID_AUDIO"},
		{"InsufficientSamples", NewInsufficientSamples(9, 10), ErrInsufficientSamples, "INSUFFICIENT_SAMPLES"},
		{"SchemaMismatch", NewFeatureSchemaMismatch([]string{"a"}, []string{"b"}), ErrFeatureSchemaMismatch, "FEATURE_SCHEMA_MISMATCH"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if !IsErrorType(tc.err, tc.sentinel) {
				t.Errorf("Expected %v to match sentinel %v", tc.err, tc.sentinel)
			}
			if GetErrorCode(fmt.Errorf("outer: %w", tc.err)) != tc.code {
				t.Errorf("Expected code %s, got %s", tc.code, GetErrorCode(tc.err))
			}
		})
	}

	if NewSessionAlreadyActive("x").Error() != "Session already active: session already active" {
		t.Errorf("Unexpected message: %s", NewSessionAlreadyActive("x").Error())
	}
	if GetErrorFields(NewInsufficientSamples(9, 10))["required"] != 10 {
		t.Error("Expected required sample count in fields")
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"NotFound", ErrNotFound, http.StatusNotFound},
		{"InvalidInput", ErrInvalidInput, http.StatusBadRequest},
		{"Wrapped", Wrap(ErrNotFound, "wrapped"), http.StatusNotFound},
		{"Unknown", errors.New("unknown"), http.StatusInternalServerError},
		{"SessionNotFound", NewSessionNotFound("123"), http.StatusNotFound},
		{"AlreadyActive", NewSessionAlreadyActive("123"), http.StatusConflict},
		{"InsufficientSamples", NewInsufficientSamples(1, 10), http.StatusUnprocessableEntity},
		{"InvalidAudio", NewInvalidAudio("empty"), http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if status := HTTPStatusFromError(tc.err); status != tc.expectedStatus {
				t.Errorf("Expected status %d, got: %d", tc.expectedStatus, status)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "StructuredError",
			err:            New("test error").WithField("key", "value").WithCode("TEST_CODE"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `"code": "TEST_CODE"`,
		},
		{
			name:           "StandardError",
			err:            ErrNotFound,
			expectedStatus: http.StatusNotFound,
			expectedBody:   `"error": "resource not found"`,
		},
		{
			name:           "SessionNotFound",
			err:            NewSessionNotFound("123"),
			expectedStatus: http.StatusNotFound,
			expectedBody:   `"session_id": "123"`,
		},
		{
			name:           "Nil",
			err:            nil,
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   "Unknown error",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			if rec.Code != tc.expectedStatus {
				t.Errorf("Expected status %d, got: %d", tc.expectedStatus, rec.Code)
			}
			if contentType := rec.Header().Get("Content-Type"); contentType != "application/json" {
				t.Errorf("Expected Content-Type 'application/json', got: %s", contentType)
			}
			if body := rec.Body.String(); !strings.Contains(body, tc.expectedBody) {
				t.Errorf("Expected body to contain '%s', got: %s", tc.expectedBody, body)
			}
		})
	}
}
