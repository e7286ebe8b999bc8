package tracing

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/bookingpay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes for the booking being worked on.
const (
	AttrOrderID   = attribute.Key("bookingpay.order_id")
	AttrTrigger   = attribute.Key("bookingpay.trigger")
	AttrSource    = attribute.Key("bookingpay.source")
	AttrRequestID = attribute.Key("bookingpay.request_id")
)

// GinMiddleware opens a server span per request. The span is renamed to
// the matched route and tagged with the order id and trigger the handler
// scoped the request to.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("bookingpay/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		// handlers replace c.Request when they learn the order
		final := c.Request.Context()
		status := c.Writer.Status()
		if route := c.FullPath(); route != "" {
			span.SetName(c.Request.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		attrs := append(ScopeAttributes(final),
			attribute.String("http.request.method", c.Request.Method),
			attribute.Int("http.response.status_code", status),
		)
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if last := c.Errors.Last(); last != nil {
				if safeErr := SafeError(last.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// ScopeAttributes returns the request id, order id and trigger carried by ctx.
func ScopeAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if id := obscontext.RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, AttrRequestID.String(id))
	}
	if orderID := obscontext.OrderIDFromContext(ctx); orderID != "" {
		attrs = append(attrs, AttrOrderID.String(orderID))
	}
	if trigger, source := obscontext.ActorFromContext(ctx); trigger != "" {
		attrs = append(attrs, AttrTrigger.String(trigger))
		if source != "" {
			attrs = append(attrs, AttrSource.String(source))
		}
	}
	return attrs
}
