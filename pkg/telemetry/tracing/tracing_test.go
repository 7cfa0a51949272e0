package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSessionScopeParentsChildSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	SetProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	scope := StartSessionScope(context.Background(), "s1")
	got, ok := GetSessionScope("s1")
	require.True(t, ok)
	assert.Same(t, scope, got)

	_, span := StartSpan(ContextForSession("s1"), "analysis_cycle")
	EndSpan(span, errors.New("boom"))
	scope.End(nil)
	scope.End(errors.New("ignored"))

	_, ok = GetSessionScope("s1")
	assert.False(t, ok)
	assert.Error(t, scope.Context().Err())

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "analysis_cycle", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, "voice_session.s1", spans[1].Name())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestNilScopeIsSafe(t *testing.T) {
	var scope *SessionScope
	assert.NotNil(t, scope.Context())
	scope.End(nil)
	assert.Equal(t, context.Background(), ContextForSession("missing"))
}
