package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookingpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxUpdateAttempts bounds the optimistic booking update loop.
const maxUpdateAttempts = 3

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock `optional:"true"`
	Repo  ledgerdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  ledgerdomain.Repository
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: clk,
		repo:  p.Repo,
	}
}

func (s *Service) UpsertPayment(ctx context.Context, payment ledgerdomain.Payment) error {
	payment.PaymentID = strings.TrimSpace(payment.PaymentID)
	payment.OrderID = strings.TrimSpace(payment.OrderID)
	if payment.PaymentID == "" || payment.OrderID == "" {
		return ledgerdomain.ErrInvalidPayment
	}
	status, ok := ledgerdomain.NormalizePaymentStatus(string(payment.Status))
	if !ok {
		return ledgerdomain.ErrInvalidStatus
	}
	payment.Status = status
	payment.Currency = normalizeCurrency(payment.Currency)
	if len(payment.RawNotes) == 0 {
		payment.RawNotes = datatypes.JSON("{}")
	}
	if payment.GatewayCreatedAt != nil {
		created := payment.GatewayCreatedAt.UTC()
		payment.GatewayCreatedAt = &created
	}
	payment.LastUpdatedAt = s.clock.Now().UTC()

	if err := s.repo.UpsertPayment(ctx, s.db, &payment); err != nil {
		return ledgerdomain.WrapPersistence("upsert_payment", err)
	}
	return nil
}

func (s *Service) FindPaymentsByOrder(ctx context.Context, orderID string) ([]ledgerdomain.Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	items, err := s.repo.FindPaymentsByOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, ledgerdomain.WrapPersistence("find_payments", err)
	}
	return items, nil
}

// UpsertBooking merges patch into the booking matched by order id or payment
// id, creating it when absent. Status changes that would regress a booking
// are ignored.
func (s *Service) UpsertBooking(ctx context.Context, patch ledgerdomain.BookingPatch) (*ledgerdomain.Booking, error) {
	patch.OrderID = strings.TrimSpace(patch.OrderID)
	patch.ReferenceID = strings.TrimSpace(patch.ReferenceID)
	paymentID := strings.TrimSpace(ledgerdomain.StringValue(patch.PaymentID))
	if patch.OrderID == "" && paymentID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, ledgerdomain.ErrInvalidStatus
	}
	if err := validateSchedule(patch); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		existing, err := s.repo.FindBookingByOrderOrPayment(ctx, s.db, patch.OrderID, paymentID)
		if err != nil {
			return nil, ledgerdomain.WrapPersistence("find_booking", err)
		}

		if existing == nil {
			booking, err := s.newBooking(patch)
			if err != nil {
				return nil, err
			}
			inserted, err := s.repo.InsertBooking(ctx, s.db, booking)
			if err != nil {
				return nil, ledgerdomain.WrapPersistence("insert_booking", err)
			}
			if inserted {
				return booking, nil
			}
			// lost a create race; merge into the winner
			continue
		}

		expected := existing.Status
		merged, changed := applyPatch(*existing, patch)
		if !changed {
			return existing, nil
		}
		merged.UpdatedAt = s.clock.Now().UTC()

		updated, err := s.repo.UpdateBooking(ctx, s.db, &merged, expected)
		if err != nil {
			return nil, ledgerdomain.WrapPersistence("update_booking", err)
		}
		if updated {
			if merged.Status != expected {
				s.log.Info("booking status changed",
					zap.String("reference_id", merged.ReferenceID),
					zap.String("order_id", merged.OrderID),
					zap.String("from", string(expected)),
					zap.String("to", string(merged.Status)),
				)
			}
			return &merged, nil
		}
	}

	s.log.Warn("booking update lost repeated races",
		zap.String("order_id", patch.OrderID),
		zap.String("reference_id", patch.ReferenceID),
	)
	return nil, ledgerdomain.WrapPersistence("upsert_booking", ledgerdomain.ErrConcurrentUpdate)
}

func (s *Service) newBooking(patch ledgerdomain.BookingPatch) (*ledgerdomain.Booking, error) {
	if patch.ReferenceID == "" {
		return nil, ledgerdomain.ErrInvalidReferenceID
	}
	if patch.OrderID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	now := s.clock.Now().UTC()
	booking := ledgerdomain.Booking{
		ID:          s.genID.Generate(),
		ReferenceID: patch.ReferenceID,
		OrderID:     patch.OrderID,
		Status:      ledgerdomain.BookingStatusPendingPayment,
		Services:    datatypes.JSON("[]"),
		Currency:    ledgerdomain.DefaultCurrency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	merged, _ := applyPatch(booking, patch)
	return &merged, nil
}

// applyPatch returns the merged booking and whether anything changed.
func applyPatch(b ledgerdomain.Booking, patch ledgerdomain.BookingPatch) (ledgerdomain.Booking, bool) {
	changed := false

	setString := func(dst *string, src *string) {
		if src == nil {
			return
		}
		value := strings.TrimSpace(*src)
		if value != "" && value != *dst {
			*dst = value
			changed = true
		}
	}
	setNullable := func(dst **string, src *string) {
		if src == nil {
			return
		}
		value := ledgerdomain.StringPtr(*src)
		if value == nil {
			return
		}
		if *dst == nil || **dst != *value {
			*dst = value
			changed = true
		}
	}
	unset := func(dst **string) {
		if *dst != nil {
			*dst = nil
			changed = true
		}
	}

	if patch.Status != nil && *patch.Status != b.Status && ledgerdomain.CanTransition(b.Status, *patch.Status) {
		b.Status = *patch.Status
		changed = true
	}
	setNullable(&b.PaymentID, patch.PaymentID)
	setString(&b.ClientName, patch.ClientName)
	setString(&b.Email, patch.Email)
	setString(&b.Phone, patch.Phone)
	setNullable(&b.PackageName, patch.PackageName)

	if len(patch.Services) > 0 {
		encoded := encodeServices(patch.Services)
		if string(encoded) != string(b.Services) {
			b.Services = encoded
			changed = true
		}
	}

	// date+slot and timeframe are mutually exclusive
	if ledgerdomain.StringPtr(ledgerdomain.StringValue(patch.Timeframe)) != nil {
		setNullable(&b.Timeframe, patch.Timeframe)
		unset(&b.ScheduledDate)
		unset(&b.TimeSlot)
	} else if ledgerdomain.StringPtr(ledgerdomain.StringValue(patch.ScheduledDate)) != nil ||
		ledgerdomain.StringPtr(ledgerdomain.StringValue(patch.TimeSlot)) != nil {
		setNullable(&b.ScheduledDate, patch.ScheduledDate)
		setNullable(&b.TimeSlot, patch.TimeSlot)
		unset(&b.Timeframe)
	}

	if patch.Amount != nil && *patch.Amount > 0 && *patch.Amount != b.Amount {
		b.Amount = *patch.Amount
		changed = true
	}
	if patch.Currency != nil {
		currency := normalizeCurrency(*patch.Currency)
		if currency != b.Currency {
			b.Currency = currency
			changed = true
		}
	}

	return b, changed
}

func validateSchedule(patch ledgerdomain.BookingPatch) error {
	hasTimeframe := ledgerdomain.StringPtr(ledgerdomain.StringValue(patch.Timeframe)) != nil
	hasSlot := ledgerdomain.StringPtr(ledgerdomain.StringValue(patch.ScheduledDate)) != nil ||
		ledgerdomain.StringPtr(ledgerdomain.StringValue(patch.TimeSlot)) != nil
	if hasTimeframe && hasSlot {
		return ledgerdomain.ErrInvalidSchedule
	}
	return nil
}

func encodeServices(services []string) datatypes.JSON {
	cleaned := make([]string, 0, len(services))
	for _, svc := range services {
		svc = strings.TrimSpace(svc)
		if svc != "" {
			cleaned = append(cleaned, svc)
		}
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return ledgerdomain.DefaultCurrency
	}
	return currency
}

func (s *Service) FindBookingByOrderOrPayment(ctx context.Context, orderID string, paymentID string) (*ledgerdomain.Booking, error) {
	orderID = strings.TrimSpace(orderID)
	paymentID = strings.TrimSpace(paymentID)
	if orderID == "" && paymentID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	item, err := s.repo.FindBookingByOrderOrPayment(ctx, s.db, orderID, paymentID)
	if err != nil {
		return nil, ledgerdomain.WrapPersistence("find_booking", err)
	}
	return item, nil
}

func (s *Service) FindBookingByReference(ctx context.Context, referenceID string) (*ledgerdomain.Booking, error) {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, ledgerdomain.ErrInvalidReferenceID
	}
	item, err := s.repo.FindBookingByReference(ctx, s.db, referenceID)
	if err != nil {
		return nil, ledgerdomain.WrapPersistence("find_booking", err)
	}
	return item, nil
}

// MarkEmailSent flips email_sent for a confirmed booking. Already sent or not
// yet confirmed bookings are left untouched.
func (s *Service) MarkEmailSent(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ledgerdomain.ErrInvalidReferenceID
	}
	marked, err := s.repo.MarkEmailSent(ctx, s.db, key, s.clock.Now().UTC())
	if err != nil {
		return ledgerdomain.WrapPersistence("mark_email_sent", err)
	}
	if !marked {
		s.log.Debug("email_sent unchanged", zap.String("key", key))
	}
	return nil
}

// ClaimEmail takes a short lease on sending the confirmation for a booking.
func (s *Service) ClaimEmail(ctx context.Context, referenceID string, lease time.Duration) (bool, error) {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return false, ledgerdomain.ErrInvalidReferenceID
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	now := s.clock.Now().UTC()
	claimed, err := s.repo.ClaimEmail(ctx, s.db, referenceID, now, now.Add(lease))
	if err != nil {
		return false, ledgerdomain.WrapPersistence("claim_email", err)
	}
	return claimed, nil
}

func (s *Service) ReleaseEmailClaim(ctx context.Context, referenceID string) error {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return ledgerdomain.ErrInvalidReferenceID
	}
	if err := s.repo.ReleaseEmailClaim(ctx, s.db, referenceID); err != nil {
		return ledgerdomain.WrapPersistence("release_email_claim", err)
	}
	return nil
}

func (s *Service) SelectStaleCandidates(ctx context.Context, since time.Time, excluding ledgerdomain.BookingStatus, limit int) ([]string, error) {
	if !excluding.Valid() {
		return nil, ledgerdomain.ErrInvalidStatus
	}
	orderIDs, err := s.repo.SelectStaleCandidates(ctx, s.db, since.UTC(), excluding, clampLimit(limit))
	if err != nil {
		return nil, ledgerdomain.WrapPersistence("select_candidates", err)
	}
	return orderIDs, nil
}

func (s *Service) SelectUnsentConfirmations(ctx context.Context, since time.Time, limit int) ([]ledgerdomain.Booking, error) {
	items, err := s.repo.SelectUnsentConfirmations(ctx, s.db, since.UTC(), clampLimit(limit))
	if err != nil {
		return nil, ledgerdomain.WrapPersistence("select_unsent", err)
	}
	return items, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > ledgerdomain.MaxCandidateBatch {
		return ledgerdomain.MaxCandidateBatch
	}
	return limit
}

// RecordWebhookEvent stores an inbound event and reports whether it was new.
func (s *Service) RecordWebhookEvent(ctx context.Context, event ledgerdomain.WebhookEvent) (bool, error) {
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.EventID = strings.TrimSpace(event.EventID)
	event.EventType = strings.TrimSpace(event.EventType)
	if event.Provider == "" || event.EventID == "" {
		return false, ledgerdomain.ErrInvalidEvent
	}
	if event.EventType == "" {
		event.EventType = "unknown"
	}
	if len(event.Payload) == 0 || !json.Valid(event.Payload) {
		event.Payload = datatypes.JSON("{}")
	}
	if event.ID == 0 {
		event.ID = s.genID.Generate()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.clock.Now().UTC()
	}

	inserted, err := s.repo.InsertWebhookEvent(ctx, s.db, &event)
	if err != nil {
		return false, ledgerdomain.WrapPersistence("record_webhook_event", err)
	}
	return inserted, nil
}

func (s *Service) MarkWebhookEventProcessed(ctx context.Context, provider string, eventID string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return ledgerdomain.ErrInvalidEvent
	}
	err := s.repo.MarkWebhookEventProcessed(ctx, s.db, provider, eventID, s.clock.Now().UTC())
	if err != nil {
		return ledgerdomain.WrapPersistence("mark_webhook_processed", err)
	}
	return nil
}
