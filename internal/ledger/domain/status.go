package domain

import (
	"strings"
	"time"
)

// NormalizePaymentStatus maps a gateway status onto the stored set. A refund
// implies an earlier capture, so refunded is stored as captured.
func NormalizePaymentStatus(raw string) (PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created":
		return PaymentStatusCreated, true
	case "authorized":
		return PaymentStatusAuthorized, true
	case "captured", "refunded":
		return PaymentStatusCaptured, true
	case "failed":
		return PaymentStatusFailed, true
	default:
		return "", false
	}
}

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPendingPayment, BookingStatusConfirmed, BookingStatusFailed, BookingStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a booking may move from one status to
// another. Confirmed never regresses and cancelled is terminal.
func CanTransition(from, to BookingStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case BookingStatusPendingPayment:
		return to.Valid()
	case BookingStatusFailed:
		return to == BookingStatusConfirmed || to == BookingStatusCancelled
	case BookingStatusConfirmed:
		return to == BookingStatusCancelled
	default:
		return false
	}
}

// LatestCaptured returns the stored captured payment the engine would pick:
// the latest by gateway creation time, then the greatest payment id.
func LatestCaptured(payments []Payment) *Payment {
	var best *Payment
	for i := range payments {
		p := &payments[i]
		if p.Status != PaymentStatusCaptured {
			continue
		}
		if best == nil || capturedAfter(p, best) {
			best = p
		}
	}
	return best
}

func capturedAfter(a, b *Payment) bool {
	at, bt := createdAt(a), createdAt(b)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.PaymentID > b.PaymentID
}

func createdAt(p *Payment) time.Time {
	if p.GatewayCreatedAt != nil {
		return *p.GatewayCreatedAt
	}
	return time.Time{}
}
