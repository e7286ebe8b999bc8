package domain

import (
	"context"
	"time"
)

// Client is the outbound surface of the payment gateway. Implementations do
// not retry; callers decide.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (OrderResult, error)
	FetchPayment(ctx context.Context, paymentID string) (PaymentDetail, error)
	FetchOrderPayments(ctx context.Context, orderID string) ([]PaymentDetail, error)
	CapturePayment(ctx context.Context, paymentID string, amount int64, currency string) (PaymentDetail, error)
}

type CreateOrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type OrderResult struct {
	OrderID  string `json:"order_id"`
	KeyID    string `json:"key_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// PaymentDetail is a gateway-side payment attempt as last observed.
type PaymentDetail struct {
	ID        string
	OrderID   string
	Amount    int64
	Currency  string
	Status    string
	Method    string
	Email     string
	Contact   string
	Notes     map[string]string
	CreatedAt time.Time
}

// Gateway-side payment statuses.
const (
	StatusCreated    = "created"
	StatusAuthorized = "authorized"
	StatusCaptured   = "captured"
	StatusFailed     = "failed"
	StatusRefunded   = "refunded"
)

// NoteReferenceID is the order/payment note carrying the booking reference.
const NoteReferenceID = "reference_id"
