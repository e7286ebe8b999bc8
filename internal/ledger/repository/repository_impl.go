package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/bookingpay/internal/ledger/domain"
	"gorm.io/gorm"
)

const bookingColumns = `id, reference_id, order_id, payment_id, status, client_name, email, phone,
	services, package_name, scheduled_date, time_slot, timeframe, amount, currency,
	email_sent, email_sent_at, email_claimed_until, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// UpsertPayment inserts or refreshes a payment. A stored captured status is
// never overwritten by a lesser one.
func (r *repo) UpsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			payment_id, order_id, amount, currency, status, method, payer_email,
			raw_notes, gateway_created_at, last_updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_id) DO UPDATE SET
			order_id = excluded.order_id,
			amount = excluded.amount,
			currency = excluded.currency,
			status = excluded.status,
			method = COALESCE(excluded.method, payments.method),
			payer_email = COALESCE(excluded.payer_email, payments.payer_email),
			raw_notes = excluded.raw_notes,
			gateway_created_at = COALESCE(excluded.gateway_created_at, payments.gateway_created_at),
			last_updated_at = excluded.last_updated_at
		WHERE payments.status <> ? OR excluded.status = ?`,
		payment.PaymentID,
		payment.OrderID,
		payment.Amount,
		payment.Currency,
		string(payment.Status),
		payment.Method,
		payment.PayerEmail,
		payment.RawNotes,
		payment.GatewayCreatedAt,
		payment.LastUpdatedAt,
		string(domain.PaymentStatusCaptured),
		string(domain.PaymentStatusCaptured),
	).Error
}

func (r *repo) FindPaymentsByOrder(ctx context.Context, db *gorm.DB, orderID string) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT payment_id, order_id, amount, currency, status, method, payer_email,
			raw_notes, gateway_created_at, last_updated_at
		 FROM payments
		 WHERE order_id = ?
		 ORDER BY gateway_created_at DESC, payment_id DESC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FindBookingByOrderOrPayment prefers the order id match and falls back to
// the payment id.
func (r *repo) FindBookingByOrderOrPayment(ctx context.Context, db *gorm.DB, orderID string, paymentID string) (*domain.Booking, error) {
	if orderID != "" {
		item, err := r.findBookingBy(ctx, db, "order_id", orderID)
		if err != nil || item != nil {
			return item, err
		}
	}
	if paymentID != "" {
		return r.findBookingBy(ctx, db, "payment_id", paymentID)
	}
	return nil, nil
}

func (r *repo) FindBookingByReference(ctx context.Context, db *gorm.DB, referenceID string) (*domain.Booking, error) {
	return r.findBookingBy(ctx, db, "reference_id", referenceID)
}

// column is always one of the fixed identifiers above.
func (r *repo) findBookingBy(ctx context.Context, db *gorm.DB, column string, value string) (*domain.Booking, error) {
	var item domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE `+column+` = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		value,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertBooking(ctx context.Context, db *gorm.DB, booking *domain.Booking) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		booking.ID,
		booking.ReferenceID,
		booking.OrderID,
		booking.PaymentID,
		string(booking.Status),
		booking.ClientName,
		booking.Email,
		booking.Phone,
		booking.Services,
		booking.PackageName,
		booking.ScheduledDate,
		booking.TimeSlot,
		booking.Timeframe,
		booking.Amount,
		booking.Currency,
		booking.EmailSent,
		booking.EmailSentAt,
		booking.EmailClaimedUntil,
		booking.CreatedAt,
		booking.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateBooking writes the mutable booking fields when the stored status still
// equals expected. email_sent is only ever set by MarkEmailSent.
func (r *repo) UpdateBooking(ctx context.Context, db *gorm.DB, booking *domain.Booking, expected domain.BookingStatus) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bookings
		 SET payment_id = ?, status = ?, client_name = ?, email = ?, phone = ?,
			services = ?, package_name = ?, scheduled_date = ?, time_slot = ?, timeframe = ?,
			amount = ?, currency = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		booking.PaymentID,
		string(booking.Status),
		booking.ClientName,
		booking.Email,
		booking.Phone,
		booking.Services,
		booking.PackageName,
		booking.ScheduledDate,
		booking.TimeSlot,
		booking.Timeframe,
		booking.Amount,
		booking.Currency,
		booking.UpdatedAt,
		booking.ID,
		string(expected),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEmailSent(ctx context.Context, db *gorm.DB, key string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bookings
		 SET email_sent = ?, email_sent_at = ?, email_claimed_until = NULL, updated_at = ?
		 WHERE (reference_id = ? OR order_id = ? OR payment_id = ?)
		   AND status = ?
		   AND email_sent = ?`,
		true,
		now,
		now,
		key, key, key,
		string(domain.BookingStatusConfirmed),
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ClaimEmail(ctx context.Context, db *gorm.DB, referenceID string, now time.Time, until time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bookings
		 SET email_claimed_until = ?
		 WHERE reference_id = ?
		   AND status = ?
		   AND email_sent = ?
		   AND (email_claimed_until IS NULL OR email_claimed_until < ?)`,
		until,
		referenceID,
		string(domain.BookingStatusConfirmed),
		false,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ReleaseEmailClaim(ctx context.Context, db *gorm.DB, referenceID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE bookings
		 SET email_claimed_until = NULL
		 WHERE reference_id = ? AND email_sent = ?`,
		referenceID,
		false,
	).Error
}

func (r *repo) SelectStaleCandidates(ctx context.Context, db *gorm.DB, since time.Time, excluding domain.BookingStatus, limit int) ([]string, error) {
	var orderIDs []string
	err := db.WithContext(ctx).Raw(
		`SELECT order_id
		 FROM bookings
		 WHERE created_at >= ?
		   AND status <> ?
		   AND status <> ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		since,
		string(excluding),
		string(domain.BookingStatusCancelled),
		limit,
	).Scan(&orderIDs).Error
	if err != nil {
		return nil, err
	}
	return orderIDs, nil
}

func (r *repo) SelectUnsentConfirmations(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]domain.Booking, error) {
	var items []domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE status = ?
		   AND email_sent = ?
		   AND updated_at >= ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		string(domain.BookingStatusConfirmed),
		false,
		since,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, provider, event_id, event_type, order_id, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.EventID,
		event.EventType,
		event.OrderID,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkWebhookEventProcessed(ctx context.Context, db *gorm.DB, provider string, eventID string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET processed_at = ?
		 WHERE provider = ? AND event_id = ? AND processed_at IS NULL`,
		processedAt,
		provider,
		eventID,
	).Error
}
