package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"event":"payment.captured"}`)
	sig := SignHex("whsec", body)

	if err := VerifyWebhookSignature("whsec", body, sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := VerifyWebhookSignature("whsec", append(body, ' '), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for tampered body, got %v", err)
	}
	if err := VerifyWebhookSignature("whsec", body, "not-hex"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for garbage, got %v", err)
	}
	if err := VerifyWebhookSignature("", body, sig); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config without secret, got %v", err)
	}
}

func TestVerifyPaymentSignature(t *testing.T) {
	sig := SignHex("key_secret", []byte("order_A|pay_1"))
	if err := VerifyPaymentSignature("key_secret", "order_A", "pay_1", sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := VerifyPaymentSignature("key_secret", "order_A", "pay_2", sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestGatewayErrorClassification(t *testing.T) {
	notFound := fmt.Errorf("wrap: %w", &GatewayError{Op: "fetch_payment", StatusCode: 400, Kind: ErrNotFound})
	if !errors.Is(notFound, ErrNotFound) || !errors.Is(notFound, ErrGatewayRejected) {
		t.Fatal("expected not found to match both not_found and gateway_rejected")
	}
	if errors.Is(notFound, ErrGatewayUnavailable) {
		t.Fatal("not found must not be unavailable")
	}

	down := &GatewayError{Op: "fetch_order_payments", StatusCode: 503, Kind: ErrGatewayUnavailable}
	if !errors.Is(down, ErrGatewayUnavailable) || errors.Is(down, ErrGatewayRejected) {
		t.Fatal("expected 503 to be unavailable only")
	}
}
