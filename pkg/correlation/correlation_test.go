package correlation

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ConcurrentGeneration(t *testing.T) {
	ids := sync.Map{}
	var wg sync.WaitGroup

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, loaded := ids.LoadOrStore(New().String(), true)
				assert.False(t, loaded, "ID collision detected in concurrent generation")
			}
		}()
	}
	wg.Wait()
}

func TestParse(t *testing.T) {
	assert.Equal(t, ID("req-42.a_b:c"), Parse("req-42.a_b:c"))

	for _, bad := range []string{"", "line\nbreak", "has space", strings.Repeat("a", maxIDLength+1)} {
		id := Parse(bad)
		assert.False(t, id.IsEmpty())
		assert.NotEqual(t, ID(bad), id)
	}
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, Fields(context.Background()))
	assert.True(t, FromContext(nil).IsEmpty())

	ctx := WithSessionID(WithCorrelationID(context.Background(), "abc"), "exam-1")
	assert.Equal(t, logrus.Fields{"correlation_id": "abc", "session_id": "exam-1"}, Fields(ctx))

	entry := Entry(ctx, logrus.NewEntry(logrus.New()))
	assert.Equal(t, "abc", entry.Data["correlation_id"])
}

func TestMiddlewarePropagatesIncomingID(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	var seen ID
	handler := NewHTTPMiddleware(logger, true, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/voice/summary/x", nil)
	req.Header.Set(HTTPHeader, "client-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, ID("client-7"), seen)
	assert.Equal(t, "client-7", rec.Header().Get(HTTPRequestIDHeader))
	assert.Contains(t, buf.String(), `"correlation_id":"client-7"`)
	assert.Contains(t, buf.String(), `"status":404`)
}

func TestMiddlewareGeneratesMissingID(t *testing.T) {
	handler := NewHTTPMiddleware(logrus.New(), false, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.False(t, FromContext(r.Context()).IsEmpty())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, rec.Header().Get(HTTPRequestIDHeader), 36)
}
