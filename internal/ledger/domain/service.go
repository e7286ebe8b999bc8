package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the raw SQL boundary. Every method takes the handle to run on.
type Repository interface {
	UpsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPaymentsByOrder(ctx context.Context, db *gorm.DB, orderID string) ([]Payment, error)

	FindBookingByOrderOrPayment(ctx context.Context, db *gorm.DB, orderID string, paymentID string) (*Booking, error)
	FindBookingByReference(ctx context.Context, db *gorm.DB, referenceID string) (*Booking, error)
	InsertBooking(ctx context.Context, db *gorm.DB, booking *Booking) (bool, error)
	UpdateBooking(ctx context.Context, db *gorm.DB, booking *Booking, expected BookingStatus) (bool, error)

	MarkEmailSent(ctx context.Context, db *gorm.DB, key string, now time.Time) (bool, error)
	ClaimEmail(ctx context.Context, db *gorm.DB, referenceID string, now time.Time, until time.Time) (bool, error)
	ReleaseEmailClaim(ctx context.Context, db *gorm.DB, referenceID string) error

	SelectStaleCandidates(ctx context.Context, db *gorm.DB, since time.Time, excluding BookingStatus, limit int) ([]string, error)
	SelectUnsentConfirmations(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]Booking, error)

	InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, db *gorm.DB, provider string, eventID string, processedAt time.Time) error
}

// Service is the ledger store used by the reconciliation engine, notifier,
// sweep and edge handlers. Storage failures surface as *PersistenceError.
type Service interface {
	UpsertPayment(ctx context.Context, payment Payment) error
	FindPaymentsByOrder(ctx context.Context, orderID string) ([]Payment, error)

	UpsertBooking(ctx context.Context, patch BookingPatch) (*Booking, error)
	FindBookingByOrderOrPayment(ctx context.Context, orderID string, paymentID string) (*Booking, error)
	FindBookingByReference(ctx context.Context, referenceID string) (*Booking, error)

	MarkEmailSent(ctx context.Context, key string) error
	ClaimEmail(ctx context.Context, referenceID string, lease time.Duration) (bool, error)
	ReleaseEmailClaim(ctx context.Context, referenceID string) error

	SelectStaleCandidates(ctx context.Context, since time.Time, excluding BookingStatus, limit int) ([]string, error)
	SelectUnsentConfirmations(ctx context.Context, since time.Time, limit int) ([]Booking, error)

	RecordWebhookEvent(ctx context.Context, event WebhookEvent) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, provider string, eventID string) error
}

// MaxCandidateBatch bounds sweep candidate selection.
const MaxCandidateBatch = 500
