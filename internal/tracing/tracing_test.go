package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &Provider{tp: tp, tracer: tp.Tracer("test")}, rec
}

func attr(span sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestInitDisabled(t *testing.T) {
	p, err := Init(Config{ServiceName: "airbag"}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestMiddlewareNamesSpansByRoute(t *testing.T) {
	p, rec := recordingProvider()
	h := Middleware(p, func(*http.Request) string { return "/api/v1/reports/{id}" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/reports/abc", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/reports/{id}", spans[0].Name())
	assert.Equal(t, int64(503), attr(spans[0], "http.status_code").AsInt64())
	assert.True(t, attr(spans[0], "error").AsBool())
}

func TestPropagationAcrossHTTP(t *testing.T) {
	p, rec := recordingProvider()
	h := Middleware(p, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx, parent := p.StartSpan(context.Background(), "upload")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", nil)
	InjectHTTPHeaders(ctx, req)
	require.NotEmpty(t, req.Header.Get("traceparent"))

	h.ServeHTTP(httptest.NewRecorder(), req)
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, parent.SpanContext().TraceID(), spans[0].SpanContext().TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestSetError(t *testing.T) {
	p, rec := recordingProvider()
	ctx, span := p.StartSpan(context.Background(), "op")
	SetError(ctx, errors.New("boom"))
	AddEvent(ctx, "retry", attribute.Int("attempt", 2))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 2, "the recorded error plus the retry event")
}
