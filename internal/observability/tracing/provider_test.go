package tracing

import (
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsContactFields(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhook"),
		attribute.String("email", "a@example.com"),
		attribute.String("phone", "+91"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("expected only http.route to survive, got %v", attrs)
	}
}

func TestSafeErrorKeepsOutermostMessage(t *testing.T) {
	err := fmt.Errorf("fetch_order_payments: %w", errors.New("token=secret"))
	if got := SafeError(err).Error(); got != "fetch_order_payments" {
		t.Fatalf("unexpected safe error %q", got)
	}
	if SafeError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}
