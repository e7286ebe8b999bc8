package domain

import "context"

// Result statuses.
const (
	StatusNotFound = "not_found"
	StatusPending  = "pending"
	StatusCaptured = "captured"
	StatusError    = "error"
)

// Reasons reported in band to operators.
const (
	ReasonInvalidOrderID     = "invalid_order_id"
	ReasonGatewayUnavailable = "gateway_unavailable"
	ReasonGatewayRejected    = "gateway_rejected"
	ReasonPersistenceError   = "persistence_error"
	ReasonInternalError      = "internal_error"
	ReasonCaptureRejected    = "capture_rejected"
	ReasonPaymentsFailed     = "payments_failed"
	ReasonBookingCancelled   = "booking_cancelled"
)

// Triggers identify the caller for logs and metrics.
const (
	TriggerWebhook  = "webhook"
	TriggerInternal = "internal"
	TriggerVerify   = "verify"
	TriggerSweep    = "sweep"
)

// Result is the outcome of one reconcile call.
type Result struct {
	Reconciled bool   `json:"reconciled"`
	Status     string `json:"status"`
	PaymentID  string `json:"payment_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// BookingHint carries caller-known booking fields the gateway does not have.
type BookingHint struct {
	ReferenceID   string
	ClientName    string
	Email         string
	Phone         string
	Services      []string
	PackageName   string
	ScheduledDate string
	TimeSlot      string
	Timeframe     string
}

// Service drives an order to its consistent ledger state. It is stateless
// and safe to call concurrently for the same order.
type Service interface {
	Reconcile(ctx context.Context, orderID string, hint *BookingHint) Result
}
