package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/bookingpay/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func newTracedEngine(handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), "req-1"))
		c.Next()
	})
	r.Use(GinMiddleware())
	r.POST("/reconcile", handler)
	return r
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestGinMiddlewareTagsSpanWithOrderAndTrigger(t *testing.T) {
	spans := recordSpans(t)
	r := newTracedEngine(func(c *gin.Context) {
		ctx := obscontext.WithActor(c.Request.Context(), "internal", "operator")
		ctx = obscontext.WithOrderID(ctx, "order_1")
		c.Request = c.Request.WithContext(ctx)
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	assert.Equal(t, "POST /reconcile", span.Name())
	assert.Equal(t, trace.SpanKindServer, span.SpanKind())

	attrs := spanAttrs(span)
	assert.Equal(t, "order_1", attrs[AttrOrderID].AsString())
	assert.Equal(t, "internal", attrs[AttrTrigger].AsString())
	assert.Equal(t, "operator", attrs[AttrSource].AsString())
	assert.Equal(t, "req-1", attrs[AttrRequestID].AsString())
	assert.Equal(t, "/reconcile", attrs["http.route"].AsString())
	assert.Equal(t, int64(http.StatusOK), attrs["http.response.status_code"].AsInt64())
	assert.NotEqual(t, codes.Error, span.Status().Code)
}

func TestGinMiddlewareWithoutScopeOmitsOrder(t *testing.T) {
	spans := recordSpans(t)
	r := newTracedEngine(func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/reconcile", nil))

	ended := spans.Ended()
	require.Len(t, ended, 1)
	attrs := spanAttrs(ended[0])
	_, hasOrder := attrs[AttrOrderID]
	_, hasTrigger := attrs[AttrTrigger]
	assert.False(t, hasOrder)
	assert.False(t, hasTrigger)
	assert.Equal(t, int64(http.StatusBadRequest), attrs["http.response.status_code"].AsInt64())
}

func TestGinMiddlewareMarksServerErrors(t *testing.T) {
	spans := recordSpans(t)
	r := newTracedEngine(func(c *gin.Context) {
		_ = c.Error(errors.New("ledger unavailable: dial tcp 10.0.0.1:5432"))
		c.Status(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/reconcile", nil))

	ended := spans.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	assert.Equal(t, codes.Error, span.Status().Code)
	require.NotEmpty(t, span.Events())
	var message string
	for _, kv := range span.Events()[0].Attributes {
		if kv.Key == "exception.message" {
			message = kv.Value.AsString()
		}
	}
	assert.Equal(t, "ledger unavailable", message)
}

func TestGinMiddlewareContinuesUpstreamTrace(t *testing.T) {
	spans := recordSpans(t)
	r := newTracedEngine(func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", ended[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", ended[0].Parent().SpanID().String())
}

func TestGinMiddlewareUnmatchedRouteKeepsMethodName(t *testing.T) {
	spans := recordSpans(t)
	r := newTracedEngine(func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "GET", ended[0].Name())
	_, hasRoute := spanAttrs(ended[0])["http.route"]
	assert.False(t, hasRoute)
}
