package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry exporter settings
type Config struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

var (
	tracer        = otel.Tracer("voice-integrity-server")
	sessionScopes sync.Map // map[string]*SessionScope
)

// SessionScope tracks the root span of one voice session. Analysis cycles
// started from its context become child spans.
type SessionScope struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	endOnce   sync.Once
}

// Context returns the context carrying the session span
func (s *SessionScope) Context() context.Context {
	if s == nil {
		return context.Background()
	}
	return s.ctx
}

// Span returns the root span for the session
func (s *SessionScope) Span() trace.Span {
	if s == nil {
		return trace.SpanFromContext(context.Background())
	}
	return s.span
}

// SetAttributes attaches attributes to the session root span
func (s *SessionScope) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// End marks the root span as completed and unregisters the scope
func (s *SessionScope) End(err error) {
	if s == nil {
		return
	}
	s.endOnce.Do(func() {
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		} else {
			s.span.SetStatus(codes.Ok, "completed")
		}
		s.span.End()
		if s.cancel != nil {
			s.cancel()
		}
		sessionScopes.CompareAndDelete(s.sessionID, s)
	})
}

// Init configures the global tracer provider. Without an endpoint spans are
// sampled but not exported.
func Init(ctx context.Context, cfg Config, logger *logrus.Logger) (func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "voice-integrity-server"
	}

	sampleRatio := cfg.SampleRatio
	if sampleRatio <= 0 {
		sampleRatio = 1.0
	}
	if sampleRatio > 1 {
		sampleRatio = 1
	}

	var providerOpts []sdktrace.TracerProviderOption

	if res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
		),
	); err != nil {
		logger.WithError(err).Warn("failed to build OpenTelemetry resource")
	} else {
		providerOpts = append(providerOpts, sdktrace.WithResource(res))
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))
	providerOpts = append(providerOpts, sdktrace.WithSampler(sampler))

	var spanProcessor sdktrace.SpanProcessor
	if cfg.Enabled && cfg.Endpoint != "" {
		exporterCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(exporterCtx, clientOpts...)
		if err != nil {
			logger.WithError(err).Warn("failed to initialize OTLP tracing exporter; falling back to local processing")
		} else {
			spanProcessor = sdktrace.NewBatchSpanProcessor(exporter)
			providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(spanProcessor))
		}
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	SetProvider(provider)

	shutdown := func(shutdownCtx context.Context) error {
		if spanProcessor != nil {
			if err := spanProcessor.ForceFlush(shutdownCtx); err != nil {
				logger.WithError(err).Warn("failed to flush spans during shutdown")
			}
		}
		return provider.Shutdown(shutdownCtx)
	}

	return shutdown, nil
}

// SetProvider installs provider globally and as the source of the shared tracer
func SetProvider(provider trace.TracerProvider) {
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = provider.Tracer("voice-integrity-server/tracing")
}

// StartSessionScope registers and returns a new per-session tracing scope
func StartSessionScope(parent context.Context, sessionID string, attrs ...attribute.KeyValue) *SessionScope {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sessionAttrs := []attribute.KeyValue{attribute.String("session.id", sessionID)}
	sessionAttrs = append(sessionAttrs, attrs...)

	ctx, span := tracer.Start(ctx, fmt.Sprintf("voice_session.%s", sessionID),
		trace.WithAttributes(sessionAttrs...), trace.WithSpanKind(trace.SpanKindServer))

	scope := &SessionScope{
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		span:      span,
	}
	sessionScopes.Store(sessionID, scope)
	return scope
}

// StartSpan creates a child span beneath the current context using the shared tracer
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, opts...)
}

// GetSessionScope retrieves the registered scope for a session
func GetSessionScope(sessionID string) (*SessionScope, bool) {
	value, ok := sessionScopes.Load(sessionID)
	if !ok {
		return nil, false
	}
	scope, ok := value.(*SessionScope)
	return scope, ok
}

// ContextForSession returns the tracing context for a session, or background if none exists
func ContextForSession(sessionID string) context.Context {
	if scope, ok := GetSessionScope(sessionID); ok {
		return scope.Context()
	}
	return context.Background()
}

// EndSpan records err on span, if any, and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
