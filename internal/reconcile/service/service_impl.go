package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/bookingpay/internal/clock"
	"github.com/smallbiznis/bookingpay/internal/config"
	gatewaydomain "github.com/smallbiznis/bookingpay/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/bookingpay/internal/notification/domain"
	obscontext "github.com/smallbiznis/bookingpay/internal/observability/context"
	"github.com/smallbiznis/bookingpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookingpay/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ReferencePrefix prefixes generated booking references.
const ReferencePrefix = "P2H-"

var tracer = otel.Tracer("bookingpay/reconcile")

type Params struct {
	fx.In

	Config           config.Config
	Log              *zap.Logger
	Gateway          gatewaydomain.Client
	Ledger           ledgerdomain.Service
	Notifier         notificationdomain.Notifier
	Clock            clock.Clock                  `optional:"true"`
	Policy           *config.PolicyHolder         `optional:"true"`
	ReconcileMetrics *obsmetrics.ReconcileMetrics `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	log              *zap.Logger
	gateway          gatewaydomain.Client
	ledger           ledgerdomain.Service
	notifier         notificationdomain.Notifier
	clock            clock.Clock
	policy           *config.PolicyHolder
	autoCapture      bool
	reconcileMetrics *obsmetrics.ReconcileMetrics
	obsMetrics       *obsmetrics.Metrics
}

func NewService(p Params) reconciledomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		log:              p.Log.Named("reconcile"),
		gateway:          p.Gateway,
		ledger:           p.Ledger,
		notifier:         p.Notifier,
		clock:            clk,
		policy:           p.Policy,
		autoCapture:      p.Config.AutoCapture,
		reconcileMetrics: p.ReconcileMetrics,
		obsMetrics:       p.ObsMetrics,
	}
}

// Reconcile reads gateway truth for orderID and brings the ledger in line.
// It never panics and performs no retries.
func (s *Service) Reconcile(ctx context.Context, orderID string, hint *reconciledomain.BookingHint) (res reconciledomain.Result) {
	start := time.Now()
	orderID = strings.TrimSpace(orderID)
	trigger, _ := obscontext.ActorFromContext(ctx)

	ctx = obscontext.WithOrderID(ctx, orderID)
	ctx, span := tracer.Start(ctx, "reconcile.order")
	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.String("trigger", trigger),
	)
	log := logger.WithContext(ctx, s.log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("reconcile.panic",
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"),
			)
			res = errorResult(reconciledomain.ReasonInternalError)
		}
		if res.Status == reconciledomain.StatusError {
			span.SetStatus(codes.Error, res.Reason)
		}
		span.SetAttributes(attribute.String("status", res.Status))
		span.End()
		s.reconcileMetrics.ObserveReconcile(trigger, res.Status, res.Reason, time.Since(start))
		s.obsMetrics.RecordReconcile(ctx, trigger, res.Status, res.Reason)
	}()

	if orderID == "" {
		return errorResult(reconciledomain.ReasonInvalidOrderID)
	}

	details, err := s.gateway.FetchOrderPayments(ctx, orderID)
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrNotFound) {
			log.Info("reconcile.not_found", zap.String("source", "gateway"))
			return reconciledomain.Result{Status: reconciledomain.StatusNotFound}
		}
		return s.fail(log, "fetch_order_payments", err)
	}
	if len(details) == 0 {
		log.Info("reconcile.not_found")
		return reconciledomain.Result{Status: reconciledomain.StatusNotFound}
	}

	observed := make([]gatewaydomain.PaymentDetail, 0, len(details))
	for _, detail := range details {
		status, ok := ledgerdomain.NormalizePaymentStatus(detail.Status)
		if !ok {
			log.Warn("reconcile.unknown_payment_status",
				zap.String("payment_id", detail.ID),
				zap.String("status", detail.Status),
			)
			continue
		}
		detail.Status = string(status)
		if detail.OrderID == "" {
			detail.OrderID = orderID
		}
		if err := s.ledger.UpsertPayment(ctx, toPayment(detail)); err != nil {
			return s.fail(log, "upsert_payment", err)
		}
		observed = append(observed, detail)
	}

	captured := filterByStatus(observed, ledgerdomain.PaymentStatusCaptured)
	if len(captured) == 0 && s.autoCapture {
		detail, reason, err := s.captureAuthorized(ctx, log, observed)
		if err != nil {
			return s.fail(log, "capture_payment", err)
		}
		if reason != "" {
			return reconciledomain.Result{Status: reconciledomain.StatusPending, Reason: reason}
		}
		if detail != nil {
			captured = append(captured, *detail)
		}
	}
	if len(captured) == 0 {
		if len(observed) > 0 && len(filterByStatus(observed, ledgerdomain.PaymentStatusFailed)) == len(observed) {
			s.expireIfOverdue(ctx, log, orderID)
			return reconciledomain.Result{Status: reconciledomain.StatusPending, Reason: reconciledomain.ReasonPaymentsFailed}
		}
		log.Info("reconcile.pending", zap.Int("payments", len(observed)))
		return reconciledomain.Result{Status: reconciledomain.StatusPending}
	}

	chosen := SelectCaptured(captured)
	log = log.With(zap.String("payment_id", chosen.ID))

	booking, err := s.ledger.FindBookingByOrderOrPayment(ctx, orderID, chosen.ID)
	if err != nil {
		return s.fail(log, "find_booking", err)
	}
	if booking != nil && booking.Status == ledgerdomain.BookingStatusCancelled {
		log.Warn("reconcile.booking_cancelled", zap.String("reference_id", booking.ReferenceID))
		return reconciledomain.Result{
			Reconciled: true,
			Status:     reconciledomain.StatusCaptured,
			PaymentID:  chosen.ID,
			Reason:     reconciledomain.ReasonBookingCancelled,
		}
	}

	emailSentBefore := booking != nil && booking.EmailSent
	if needsWrite(booking, chosen, hint) {
		booking, err = s.ledger.UpsertBooking(ctx, s.buildPatch(orderID, chosen, booking, hint))
		if err != nil {
			return s.fail(log, "upsert_booking", err)
		}
	}

	if !emailSentBefore && booking.Status == ledgerdomain.BookingStatusConfirmed {
		if !s.notifier.SendBookingConfirmation(ctx, *booking) {
			log.Warn("reconcile.email_deferred", zap.String("reference_id", booking.ReferenceID))
		}
	}

	log.Info("reconcile.captured",
		zap.String("reference_id", booking.ReferenceID),
		zap.Int("captured_payments", len(captured)),
	)
	return reconciledomain.Result{
		Reconciled: true,
		Status:     reconciledomain.StatusCaptured,
		PaymentID:  chosen.ID,
	}
}

// SelectCaptured picks the latest payment; equal timestamps fall back to the
// lexicographically greatest payment id.
func SelectCaptured(payments []gatewaydomain.PaymentDetail) gatewaydomain.PaymentDetail {
	sorted := make([]gatewaydomain.PaymentDetail, len(payments))
	copy(sorted, payments)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	return sorted[0]
}

func (s *Service) captureAuthorized(ctx context.Context, log *zap.Logger, observed []gatewaydomain.PaymentDetail) (*gatewaydomain.PaymentDetail, string, error) {
	authorized := filterByStatus(observed, ledgerdomain.PaymentStatusAuthorized)
	if len(authorized) == 0 {
		return nil, "", nil
	}
	target := SelectCaptured(authorized)
	captured, err := s.gateway.CapturePayment(ctx, target.ID, target.Amount, target.Currency)
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrCaptureRejected) {
			log.Warn("reconcile.capture_rejected",
				zap.String("payment_id", target.ID),
				zap.Error(err),
			)
			return nil, reconciledomain.ReasonCaptureRejected, nil
		}
		return nil, "", err
	}

	if captured.ID == "" {
		captured = target
	}
	if captured.OrderID == "" {
		captured.OrderID = target.OrderID
	}
	if captured.CreatedAt.IsZero() {
		captured.CreatedAt = target.CreatedAt
	}
	captured.Status = string(ledgerdomain.PaymentStatusCaptured)
	if err := s.ledger.UpsertPayment(ctx, toPayment(captured)); err != nil {
		return nil, "", err
	}
	log.Info("reconcile.auto_captured", zap.String("payment_id", captured.ID), zap.Int64("amount", captured.Amount))
	return &captured, "", nil
}

// expireIfOverdue marks a pending booking failed once every payment failed
// and the policy window has passed. Errors are logged only.
func (s *Service) expireIfOverdue(ctx context.Context, log *zap.Logger, orderID string) {
	booking, err := s.ledger.FindBookingByOrderOrPayment(ctx, orderID, "")
	if err != nil {
		log.Warn("reconcile.expire_lookup_failed", zap.Error(err))
		return
	}
	if booking == nil || booking.Status != ledgerdomain.BookingStatusPendingPayment {
		return
	}
	failAfter := s.policy.Get().Reconcile.FailAfter
	if s.clock.Now().Sub(booking.CreatedAt) < failAfter {
		return
	}
	failed := ledgerdomain.BookingStatusFailed
	if _, err := s.ledger.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: orderID, Status: &failed}); err != nil {
		log.Warn("reconcile.expire_failed", zap.Error(err))
		return
	}
	log.Info("reconcile.booking_failed", zap.String("reference_id", booking.ReferenceID))
}

func needsWrite(booking *ledgerdomain.Booking, chosen gatewaydomain.PaymentDetail, hint *reconciledomain.BookingHint) bool {
	if booking == nil || hint != nil {
		return true
	}
	return booking.Status != ledgerdomain.BookingStatusConfirmed ||
		ledgerdomain.StringValue(booking.PaymentID) != chosen.ID
}

func (s *Service) buildPatch(orderID string, chosen gatewaydomain.PaymentDetail, existing *ledgerdomain.Booking, hint *reconciledomain.BookingHint) ledgerdomain.BookingPatch {
	confirmed := ledgerdomain.BookingStatusConfirmed
	paymentID := chosen.ID
	amount := chosen.Amount
	currency := chosen.Currency

	patch := ledgerdomain.BookingPatch{
		OrderID:   orderID,
		PaymentID: &paymentID,
		Status:    &confirmed,
		Amount:    &amount,
		Currency:  &currency,
	}

	if existing == nil {
		patch.ReferenceID = referenceFor(chosen, hint)
	}
	if existing == nil || strings.TrimSpace(existing.Email) == "" {
		patch.Email = ledgerdomain.StringPtr(chosen.Email)
	}
	if existing == nil || strings.TrimSpace(existing.Phone) == "" {
		patch.Phone = ledgerdomain.StringPtr(chosen.Contact)
	}

	if hint != nil {
		// the gateway has no name or phone, so caller-supplied contact wins
		if v := ledgerdomain.StringPtr(hint.ClientName); v != nil {
			patch.ClientName = v
		}
		if v := ledgerdomain.StringPtr(hint.Email); v != nil {
			patch.Email = v
		}
		if v := ledgerdomain.StringPtr(hint.Phone); v != nil {
			patch.Phone = v
		}
		patch.Services = hint.Services
		patch.PackageName = ledgerdomain.StringPtr(hint.PackageName)
		patch.ScheduledDate = ledgerdomain.StringPtr(hint.ScheduledDate)
		patch.TimeSlot = ledgerdomain.StringPtr(hint.TimeSlot)
		patch.Timeframe = ledgerdomain.StringPtr(hint.Timeframe)
		if patch.Timeframe != nil {
			patch.ScheduledDate = nil
			patch.TimeSlot = nil
		}
	}
	return patch
}

func referenceFor(chosen gatewaydomain.PaymentDetail, hint *reconciledomain.BookingHint) string {
	if hint != nil {
		if ref := strings.TrimSpace(hint.ReferenceID); ref != "" {
			return ref
		}
	}
	if ref := strings.TrimSpace(chosen.Notes[gatewaydomain.NoteReferenceID]); ref != "" {
		return ref
	}
	return NewReference()
}

// NewReference returns a fresh human-shareable booking reference.
func NewReference() string {
	return ReferencePrefix + ulid.Make().String()
}

func (s *Service) fail(log *zap.Logger, op string, err error) reconciledomain.Result {
	reason := classify(err)
	log.Error("reconcile.error",
		zap.String("op", op),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return errorResult(reason)
}

func classify(err error) string {
	switch {
	case errors.Is(err, gatewaydomain.ErrGatewayUnavailable):
		return reconciledomain.ReasonGatewayUnavailable
	case errors.Is(err, gatewaydomain.ErrGatewayRejected), errors.Is(err, gatewaydomain.ErrInvalidConfig):
		return reconciledomain.ReasonGatewayRejected
	case errors.Is(err, ledgerdomain.ErrPersistence):
		return reconciledomain.ReasonPersistenceError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return reconciledomain.ReasonGatewayUnavailable
	default:
		return reconciledomain.ReasonInternalError
	}
}

func errorResult(reason string) reconciledomain.Result {
	return reconciledomain.Result{Status: reconciledomain.StatusError, Reason: reason}
}

func filterByStatus(payments []gatewaydomain.PaymentDetail, status ledgerdomain.PaymentStatus) []gatewaydomain.PaymentDetail {
	out := make([]gatewaydomain.PaymentDetail, 0, len(payments))
	for _, p := range payments {
		if p.Status == string(status) {
			out = append(out, p)
		}
	}
	return out
}

func toPayment(detail gatewaydomain.PaymentDetail) ledgerdomain.Payment {
	payment := ledgerdomain.Payment{
		PaymentID:  detail.ID,
		OrderID:    detail.OrderID,
		Amount:     detail.Amount,
		Currency:   detail.Currency,
		Status:     ledgerdomain.PaymentStatus(detail.Status),
		Method:     ledgerdomain.StringPtr(detail.Method),
		PayerEmail: ledgerdomain.StringPtr(detail.Email),
		RawNotes:   encodeNotes(detail.Notes),
	}
	if !detail.CreatedAt.IsZero() {
		created := detail.CreatedAt.UTC()
		payment.GatewayCreatedAt = &created
	}
	return payment
}
