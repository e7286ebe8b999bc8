package domain

import (
	"context"
	"errors"

	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
)

var (
	ErrNotificationFailed = errors.New("notification_failed")
	ErrNotConfirmed       = errors.New("booking_not_confirmed")
	ErrMissingRecipient   = errors.New("missing_recipient")
	ErrQueueFull          = errors.New("retry_queue_full")
)

// Notifier delivers booking confirmations. It never returns an error or
// panics; a false result means the send was left for a later attempt.
type Notifier interface {
	SendBookingConfirmation(ctx context.Context, booking ledgerdomain.Booking) bool
}
