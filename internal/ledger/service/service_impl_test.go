package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/bookingpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	"github.com/smallbiznis/bookingpay/internal/ledger/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (ledgerdomain.Service, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(baseTime)
	db := ledgertest.OpenDB(t)
	return ledgertest.NewService(t, db, clk), clk
}

func statusPtr(s ledgerdomain.BookingStatus) *ledgerdomain.BookingStatus { return &s }
func strPtr(s string) *string                                           { return &s }

func TestUpsertPaymentNeverRegressesCaptured(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	captured := ledgerdomain.Payment{
		PaymentID: "pay_1",
		OrderID:   "order_A",
		Amount:    5000,
		Currency:  "inr",
		Status:    ledgerdomain.PaymentStatusCaptured,
	}
	require.NoError(t, svc.UpsertPayment(ctx, captured))

	authorized := captured
	authorized.Status = ledgerdomain.PaymentStatusAuthorized
	require.NoError(t, svc.UpsertPayment(ctx, authorized))

	payments, err := svc.FindPaymentsByOrder(ctx, "order_A")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, ledgerdomain.PaymentStatusCaptured, payments[0].Status)
	assert.Equal(t, "INR", payments[0].Currency)
}

func TestUpsertPaymentAdvancesStatus(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	p := ledgerdomain.Payment{PaymentID: "pay_2", OrderID: "order_B", Amount: 100, Status: ledgerdomain.PaymentStatusAuthorized}
	require.NoError(t, svc.UpsertPayment(ctx, p))
	p.Status = "refunded"
	require.NoError(t, svc.UpsertPayment(ctx, p))

	payments, err := svc.FindPaymentsByOrder(ctx, "order_B")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, ledgerdomain.PaymentStatusCaptured, payments[0].Status)
}

func TestUpsertPaymentRejectsUnknownStatus(t *testing.T) {
	svc, _ := setup(t)
	err := svc.UpsertPayment(context.Background(), ledgerdomain.Payment{PaymentID: "pay_x", OrderID: "order_X", Status: "disputed"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidStatus)
}

func TestUpsertBookingMergePreservesFields(t *testing.T) {
	svc, clk := setup(t)
	ctx := context.Background()

	created := ledgertest.SeedPendingBooking(t, svc, "P2H-TEST-1", "order_A")
	assert.Equal(t, ledgerdomain.BookingStatusPendingPayment, created.Status)
	assert.Equal(t, []string{"couples-counselling"}, created.ServiceList())

	clk.Advance(time.Minute)
	merged, err := svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{
		OrderID:   "order_A",
		PaymentID: strPtr("pay_1"),
		Status:    statusPtr(ledgerdomain.BookingStatusConfirmed),
		Phone:     strPtr("+911234567890"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, merged.Status)
	assert.Equal(t, "pay_1", ledgerdomain.StringValue(merged.PaymentID))
	assert.Equal(t, "Test Client", merged.ClientName)
	assert.Equal(t, "client@example.com", merged.Email)
	assert.Equal(t, "+911234567890", merged.Phone)
	assert.Equal(t, int64(5000), merged.Amount)

	stored, err := svc.FindBookingByOrderOrPayment(ctx, "", "pay_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "P2H-TEST-1", stored.ReferenceID)
	assert.Equal(t, created.ID, stored.ID)
}

func TestUpsertBookingConfirmedNeverRegresses(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	ledgertest.SeedPendingBooking(t, svc, "P2H-TEST-2", "order_C")
	_, err := svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: "order_C", Status: statusPtr(ledgerdomain.BookingStatusConfirmed)})
	require.NoError(t, err)

	after, err := svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: "order_C", Status: statusPtr(ledgerdomain.BookingStatusPendingPayment)})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, after.Status)

	after, err = svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: "order_C", Status: statusPtr(ledgerdomain.BookingStatusFailed)})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, after.Status)
}

func TestUpsertBookingScheduleExclusive(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	_, err := svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{
		ReferenceID:   "P2H-TEST-3",
		OrderID:       "order_D",
		ScheduledDate: strPtr("2026-03-20"),
		Timeframe:     strPtr("within 2 weeks"),
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidSchedule)

	booking, err := svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{
		ReferenceID:   "P2H-TEST-3",
		OrderID:       "order_D",
		ScheduledDate: strPtr("2026-03-20"),
		TimeSlot:      strPtr("10:00-11:00"),
	})
	require.NoError(t, err)
	assert.False(t, booking.HasTimeframe())

	booking, err = svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: "order_D", Timeframe: strPtr("within 2 weeks")})
	require.NoError(t, err)
	assert.True(t, booking.HasTimeframe())
	assert.Nil(t, booking.ScheduledDate)
	assert.Nil(t, booking.TimeSlot)
}

func TestUpsertBookingCreateRequiresReference(t *testing.T) {
	svc, _ := setup(t)
	_, err := svc.UpsertBooking(context.Background(), ledgerdomain.BookingPatch{OrderID: "order_E"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidReferenceID)
}

func TestMarkEmailSentOnlyAfterConfirmation(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	ledgertest.SeedPendingBooking(t, svc, "P2H-TEST-4", "order_F")
	require.NoError(t, svc.MarkEmailSent(ctx, "order_F"))

	booking, err := svc.FindBookingByReference(ctx, "P2H-TEST-4")
	require.NoError(t, err)
	assert.False(t, booking.EmailSent, "pending booking must not be marked sent")

	_, err = svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: "order_F", Status: statusPtr(ledgerdomain.BookingStatusConfirmed)})
	require.NoError(t, err)
	require.NoError(t, svc.MarkEmailSent(ctx, "P2H-TEST-4"))
	require.NoError(t, svc.MarkEmailSent(ctx, "P2H-TEST-4"))

	booking, err = svc.FindBookingByReference(ctx, "P2H-TEST-4")
	require.NoError(t, err)
	assert.True(t, booking.EmailSent)
	require.NotNil(t, booking.EmailSentAt)
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, booking.Status)
}

func TestClaimEmailLease(t *testing.T) {
	svc, clk := setup(t)
	ctx := context.Background()

	ledgertest.SeedPendingBooking(t, svc, "P2H-TEST-5", "order_G")
	claimed, err := svc.ClaimEmail(ctx, "P2H-TEST-5", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "pending bookings cannot be claimed")

	_, err = svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: "order_G", Status: statusPtr(ledgerdomain.BookingStatusConfirmed)})
	require.NoError(t, err)

	claimed, err = svc.ClaimEmail(ctx, "P2H-TEST-5", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = svc.ClaimEmail(ctx, "P2H-TEST-5", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "lease is held")

	clk.Advance(2 * time.Minute)
	claimed, err = svc.ClaimEmail(ctx, "P2H-TEST-5", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "expired lease can be re-taken")

	require.NoError(t, svc.ReleaseEmailClaim(ctx, "P2H-TEST-5"))
	claimed, err = svc.ClaimEmail(ctx, "P2H-TEST-5", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSelectStaleCandidates(t *testing.T) {
	svc, clk := setup(t)
	ctx := context.Background()

	ledgertest.SeedPendingBooking(t, svc, "P2H-OLD", "order_old")
	clk.Advance(2 * time.Hour)
	ledgertest.SeedPendingBooking(t, svc, "P2H-1", "order_1")
	clk.Advance(time.Minute)
	ledgertest.SeedPendingBooking(t, svc, "P2H-2", "order_2")
	clk.Advance(time.Minute)
	ledgertest.SeedPendingBooking(t, svc, "P2H-3", "order_3")
	clk.Advance(time.Minute)
	ledgertest.SeedPendingBooking(t, svc, "P2H-4", "order_4")

	_, err := svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: "order_2", Status: statusPtr(ledgerdomain.BookingStatusConfirmed)})
	require.NoError(t, err)
	_, err = svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: "order_3", Status: statusPtr(ledgerdomain.BookingStatusCancelled)})
	require.NoError(t, err)

	since := clk.Now().Add(-90 * time.Minute)
	ids, err := svc.SelectStaleCandidates(ctx, since, ledgerdomain.BookingStatusConfirmed, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"order_1", "order_4"}, ids)

	ids, err = svc.SelectStaleCandidates(ctx, since, ledgerdomain.BookingStatusConfirmed, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"order_1"}, ids)
}

func TestSelectUnsentConfirmations(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	ledgertest.SeedPendingBooking(t, svc, "P2H-U1", "order_u1")
	ledgertest.SeedPendingBooking(t, svc, "P2H-U2", "order_u2")
	for _, order := range []string{"order_u1", "order_u2"} {
		_, err := svc.UpsertBooking(ctx, ledgerdomain.BookingPatch{OrderID: order, Status: statusPtr(ledgerdomain.BookingStatusConfirmed)})
		require.NoError(t, err)
	}
	require.NoError(t, svc.MarkEmailSent(ctx, "order_u2"))

	items, err := svc.SelectUnsentConfirmations(ctx, baseTime.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "P2H-U1", items[0].ReferenceID)
}

func TestRecordWebhookEventDedupes(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	event := ledgerdomain.WebhookEvent{
		Provider:  "Razorpay",
		EventID:   "evt_1",
		EventType: "payment.captured",
		OrderID:   strPtr("order_A"),
		Payload:   []byte(`{"event":"payment.captured"}`),
	}
	inserted, err := svc.RecordWebhookEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = svc.RecordWebhookEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, svc.MarkWebhookEventProcessed(ctx, "razorpay", "evt_1"))
}

func TestPersistenceErrorWrapsStorageFailures(t *testing.T) {
	clk := clock.NewFakeClock(baseTime)
	db := ledgertest.OpenDB(t)
	svc := ledgertest.NewService(t, db, clk)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = svc.UpsertPayment(context.Background(), ledgerdomain.Payment{PaymentID: "pay_1", OrderID: "order_A", Status: ledgerdomain.PaymentStatusCaptured})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledgerdomain.ErrPersistence))

	var pe *ledgerdomain.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "upsert_payment", pe.Op)
}
