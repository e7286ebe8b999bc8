package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/bookingpay/internal/clock"
	"github.com/smallbiznis/bookingpay/internal/config"
	gatewaydomain "github.com/smallbiznis/bookingpay/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	"github.com/smallbiznis/bookingpay/internal/ledger/ledgertest"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu         sync.Mutex
	payments   map[string][]gatewaydomain.PaymentDetail
	fetchErr   error
	panicOn    string
	captureErr error
	captures   []string
	fetches    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string][]gatewaydomain.PaymentDetail{}}
}

func (f *fakeGateway) set(orderID string, payments ...gatewaydomain.PaymentDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[orderID] = payments
}

func (f *fakeGateway) CreateOrder(ctx context.Context, req gatewaydomain.CreateOrderRequest) (gatewaydomain.OrderResult, error) {
	return gatewaydomain.OrderResult{}, nil
}

func (f *fakeGateway) FetchPayment(ctx context.Context, paymentID string) (gatewaydomain.PaymentDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.payments {
		for _, p := range list {
			if p.ID == paymentID {
				return p, nil
			}
		}
	}
	return gatewaydomain.PaymentDetail{}, &gatewaydomain.GatewayError{Op: "fetch_payment", Kind: gatewaydomain.ErrNotFound}
}

func (f *fakeGateway) FetchOrderPayments(ctx context.Context, orderID string) ([]gatewaydomain.PaymentDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.panicOn == orderID {
		panic("gateway exploded")
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]gatewaydomain.PaymentDetail, len(f.payments[orderID]))
	copy(out, f.payments[orderID])
	return out, nil
}

func (f *fakeGateway) CapturePayment(ctx context.Context, paymentID string, amount int64, currency string) (gatewaydomain.PaymentDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, paymentID)
	if f.captureErr != nil {
		return gatewaydomain.PaymentDetail{}, f.captureErr
	}
	for orderID, list := range f.payments {
		for i, p := range list {
			if p.ID == paymentID {
				p.Status = gatewaydomain.StatusCaptured
				list[i] = p
				f.payments[orderID] = list
				return p, nil
			}
		}
	}
	return gatewaydomain.PaymentDetail{}, &gatewaydomain.GatewayError{Op: "capture_payment", Kind: gatewaydomain.ErrCaptureRejected}
}

// recordingNotifier claims and marks the booking through the ledger like the
// real notifier does.
type recordingNotifier struct {
	mu     sync.Mutex
	ledger ledgerdomain.Service
	fail   bool
	calls  int
	sent   int
}

func (n *recordingNotifier) SendBookingConfirmation(ctx context.Context, booking ledgerdomain.Booking) bool {
	n.mu.Lock()
	n.calls++
	fail := n.fail
	n.mu.Unlock()
	if fail {
		return false
	}
	claimed, err := n.ledger.ClaimEmail(ctx, booking.ReferenceID, time.Minute)
	if err != nil || !claimed {
		return false
	}
	if err := n.ledger.MarkEmailSent(ctx, booking.ReferenceID); err != nil {
		return false
	}
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	return true
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func (n *recordingNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

type harness struct {
	svc      reconciledomain.Service
	ledger   ledgerdomain.Service
	gateway  *fakeGateway
	notifier *recordingNotifier
	clock    *clock.FakeClock
}

func newHarness(t *testing.T, autoCapture bool) *harness {
	t.Helper()
	clk := clock.NewFakeClock(baseTime)
	db := ledgertest.OpenDB(t)
	ledger := ledgertest.NewService(t, db, clk)
	gw := newFakeGateway()
	notifier := &recordingNotifier{ledger: ledger}

	svc := NewService(Params{
		Config:   config.Config{AutoCapture: autoCapture},
		Log:      zap.NewNop(),
		Gateway:  gw,
		Ledger:   ledger,
		Notifier: notifier,
		Clock:    clk,
		Policy:   config.NewStaticPolicyHolder(config.DefaultPolicy()),
	})
	return &harness{svc: svc, ledger: ledger, gateway: gw, notifier: notifier, clock: clk}
}

func payment(id, orderID, status string, createdAt time.Time) gatewaydomain.PaymentDetail {
	return gatewaydomain.PaymentDetail{
		ID:        id,
		OrderID:   orderID,
		Amount:    5000,
		Currency:  "INR",
		Status:    status,
		Email:     "payer@example.com",
		CreatedAt: createdAt,
	}
}

func (h *harness) booking(t *testing.T, orderID string) *ledgerdomain.Booking {
	t.Helper()
	b, err := h.ledger.FindBookingByOrderOrPayment(context.Background(), orderID, "")
	require.NoError(t, err)
	return b
}

func TestReconcileNoPaymentsIsNotFound(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-A", "order_A")
	before := h.booking(t, "order_A")

	res := h.svc.Reconcile(context.Background(), "order_A", nil)
	assert.Equal(t, reconciledomain.Result{Status: reconciledomain.StatusNotFound}, res)

	after := h.booking(t, "order_A")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Zero(t, h.notifier.count())

	res = h.svc.Reconcile(context.Background(), "order_unknown", nil)
	assert.Equal(t, reconciledomain.StatusNotFound, res.Status)
	assert.Nil(t, h.booking(t, "order_unknown"))
}

func TestReconcileAuthorizedIsPending(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-B", "order_B")
	h.gateway.set("order_B", payment("pay_1", "order_B", gatewaydomain.StatusAuthorized, baseTime))

	res := h.svc.Reconcile(context.Background(), "order_B", nil)
	assert.False(t, res.Reconciled)
	assert.Equal(t, reconciledomain.StatusPending, res.Status)
	assert.Empty(t, res.Reason)
	assert.Equal(t, ledgerdomain.BookingStatusPendingPayment, h.booking(t, "order_B").Status)
	assert.Empty(t, h.gateway.captures)
}

func TestReconcileCapturedConfirmsAndEmailsOnce(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-1", "order_C")
	h.gateway.set("order_C", payment("pay_1", "order_C", gatewaydomain.StatusCaptured, baseTime))

	res := h.svc.Reconcile(context.Background(), "order_C", nil)
	assert.Equal(t, reconciledomain.Result{Reconciled: true, Status: reconciledomain.StatusCaptured, PaymentID: "pay_1"}, res)

	b := h.booking(t, "order_C")
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, b.Status)
	assert.Equal(t, "pay_1", ledgerdomain.StringValue(b.PaymentID))
	assert.True(t, b.EmailSent)
	assert.Equal(t, int64(5000), b.Amount)
	assert.Equal(t, "INR", b.Currency)
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, 1, h.notifier.sentCount())

	// a second pass is a no-op
	h.clock.Advance(time.Minute)
	res = h.svc.Reconcile(context.Background(), "order_C", nil)
	assert.True(t, res.Reconciled)
	assert.Equal(t, "pay_1", res.PaymentID)
	assert.Equal(t, 1, h.notifier.count())

	again := h.booking(t, "order_C")
	assert.Equal(t, b.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, b.Status, again.Status)
}

func TestReconcileIsIdempotentAcrossManyCalls(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-I", "order_I")
	h.gateway.set("order_I", payment("pay_9", "order_I", gatewaydomain.StatusCaptured, baseTime))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.svc.Reconcile(context.Background(), "order_I", nil)
		}()
	}
	wg.Wait()
	for i := 0; i < 3; i++ {
		res := h.svc.Reconcile(context.Background(), "order_I", nil)
		assert.Equal(t, reconciledomain.StatusCaptured, res.Status)
	}

	b := h.booking(t, "order_I")
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, b.Status)
	assert.True(t, b.EmailSent)
	assert.Equal(t, 1, h.notifier.sentCount())
}

func TestReconcileEmailFailureKeepsConfirmation(t *testing.T) {
	h := newHarness(t, false)
	h.notifier.fail = true
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-E", "order_E")
	h.gateway.set("order_E", payment("pay_1", "order_E", gatewaydomain.StatusCaptured, baseTime))

	var res reconciledomain.Result
	require.NotPanics(t, func() {
		res = h.svc.Reconcile(context.Background(), "order_E", nil)
	})
	assert.True(t, res.Reconciled)
	assert.Equal(t, reconciledomain.StatusCaptured, res.Status)

	b := h.booking(t, "order_E")
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, b.Status)
	assert.False(t, b.EmailSent)
	assert.Equal(t, 1, h.notifier.count())
}

func TestReconcileTieBreakIsDeterministic(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-T", "order_T")

	h.gateway.set("order_T",
		payment("pay_a", "order_T", gatewaydomain.StatusCaptured, baseTime),
		payment("pay_b", "order_T", gatewaydomain.StatusCaptured, baseTime),
	)
	first := h.svc.Reconcile(context.Background(), "order_T", nil)

	h.gateway.set("order_T",
		payment("pay_b", "order_T", gatewaydomain.StatusCaptured, baseTime),
		payment("pay_a", "order_T", gatewaydomain.StatusCaptured, baseTime),
	)
	second := h.svc.Reconcile(context.Background(), "order_T", nil)

	assert.Equal(t, "pay_b", first.PaymentID)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, "pay_b", ledgerdomain.StringValue(h.booking(t, "order_T").PaymentID))
}

func TestSelectCapturedPrefersLatest(t *testing.T) {
	chosen := SelectCaptured([]gatewaydomain.PaymentDetail{
		payment("pay_z", "o", gatewaydomain.StatusCaptured, baseTime),
		payment("pay_a", "o", gatewaydomain.StatusCaptured, baseTime.Add(time.Second)),
	})
	assert.Equal(t, "pay_a", chosen.ID)
}

func TestReconcileKeepsCapturedPaymentMonotonic(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-M", "order_M")
	h.gateway.set("order_M", payment("pay_1", "order_M", gatewaydomain.StatusCaptured, baseTime))
	h.svc.Reconcile(context.Background(), "order_M", nil)

	// stale gateway read
	h.gateway.set("order_M", payment("pay_1", "order_M", gatewaydomain.StatusAuthorized, baseTime))
	h.svc.Reconcile(context.Background(), "order_M", nil)

	payments, err := h.ledger.FindPaymentsByOrder(context.Background(), "order_M")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, ledgerdomain.PaymentStatusCaptured, payments[0].Status)
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, h.booking(t, "order_M").Status)
}

func TestReconcileRecoversFromPanic(t *testing.T) {
	h := newHarness(t, false)
	h.gateway.panicOn = "order_P"

	var res reconciledomain.Result
	require.NotPanics(t, func() {
		res = h.svc.Reconcile(context.Background(), "order_P", nil)
	})
	assert.Equal(t, reconciledomain.StatusError, res.Status)
	assert.Equal(t, reconciledomain.ReasonInternalError, res.Reason)
}

func TestReconcileClassifiesErrors(t *testing.T) {
	h := newHarness(t, false)

	res := h.svc.Reconcile(context.Background(), "  ", nil)
	assert.Equal(t, reconciledomain.ReasonInvalidOrderID, res.Reason)
	assert.Zero(t, h.gateway.fetches)

	h.gateway.fetchErr = &gatewaydomain.GatewayError{Op: "fetch_order_payments", StatusCode: 503, Kind: gatewaydomain.ErrGatewayUnavailable}
	res = h.svc.Reconcile(context.Background(), "order_U", nil)
	assert.Equal(t, reconciledomain.StatusError, res.Status)
	assert.Equal(t, reconciledomain.ReasonGatewayUnavailable, res.Reason)

	h.gateway.fetchErr = &gatewaydomain.GatewayError{Op: "fetch_order_payments", StatusCode: 401, Kind: gatewaydomain.ErrGatewayRejected}
	res = h.svc.Reconcile(context.Background(), "order_U", nil)
	assert.Equal(t, reconciledomain.ReasonGatewayRejected, res.Reason)
}

func TestReconcilePersistenceFailureIsReported(t *testing.T) {
	clk := clock.NewFakeClock(baseTime)
	db := ledgertest.OpenDB(t)
	ledger := ledgertest.NewService(t, db, clk)
	gw := newFakeGateway()
	gw.set("order_DB", payment("pay_1", "order_DB", gatewaydomain.StatusCaptured, baseTime))
	svc := NewService(Params{
		Log:      zap.NewNop(),
		Gateway:  gw,
		Ledger:   ledger,
		Notifier: &recordingNotifier{ledger: ledger},
		Clock:    clk,
	})

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	res := svc.Reconcile(context.Background(), "order_DB", nil)
	assert.Equal(t, reconciledomain.StatusError, res.Status)
	assert.Equal(t, reconciledomain.ReasonPersistenceError, res.Reason)
}

func TestReconcileCreatesBookingFromNotesAndHint(t *testing.T) {
	h := newHarness(t, false)
	p := payment("pay_1", "order_N", gatewaydomain.StatusCaptured, baseTime)
	p.Notes = map[string]string{gatewaydomain.NoteReferenceID: "P2H-FROM-NOTES"}
	h.gateway.set("order_N", p)

	res := h.svc.Reconcile(context.Background(), "order_N", &reconciledomain.BookingHint{
		ClientName:    "Asha",
		ScheduledDate: "2026-03-20",
		TimeSlot:      "10:00",
	})
	require.True(t, res.Reconciled)

	b := h.booking(t, "order_N")
	require.NotNil(t, b)
	assert.Equal(t, "P2H-FROM-NOTES", b.ReferenceID)
	assert.Equal(t, "Asha", b.ClientName)
	assert.Equal(t, "payer@example.com", b.Email)
	assert.Equal(t, "2026-03-20", ledgerdomain.StringValue(b.ScheduledDate))
	assert.True(t, b.EmailSent)
}

func TestReconcileHintContactWins(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-H", "order_H")
	h.gateway.set("order_H", payment("pay_1", "order_H", gatewaydomain.StatusCaptured, baseTime))

	h.svc.Reconcile(context.Background(), "order_H", &reconciledomain.BookingHint{Email: "hint@example.com"})
	assert.Equal(t, "hint@example.com", h.booking(t, "order_H").Email)
}

func TestReconcileGeneratesReference(t *testing.T) {
	h := newHarness(t, false)
	h.gateway.set("order_G", payment("pay_1", "order_G", gatewaydomain.StatusCaptured, baseTime))

	h.svc.Reconcile(context.Background(), "order_G", nil)
	b := h.booking(t, "order_G")
	require.NotNil(t, b)
	assert.Contains(t, b.ReferenceID, ReferencePrefix)
}

func TestReconcileAutoCapture(t *testing.T) {
	h := newHarness(t, true)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-AC", "order_AC")
	h.gateway.set("order_AC", payment("pay_1", "order_AC", gatewaydomain.StatusAuthorized, baseTime))

	res := h.svc.Reconcile(context.Background(), "order_AC", nil)
	assert.Equal(t, reconciledomain.StatusCaptured, res.Status)
	assert.Equal(t, []string{"pay_1"}, h.gateway.captures)
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, h.booking(t, "order_AC").Status)
}

func TestReconcileAutoCaptureRejected(t *testing.T) {
	h := newHarness(t, true)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-CR", "order_CR")
	h.gateway.set("order_CR", payment("pay_1", "order_CR", gatewaydomain.StatusAuthorized, baseTime))
	h.gateway.captureErr = &gatewaydomain.GatewayError{Op: "capture_payment", StatusCode: 400, Kind: gatewaydomain.ErrCaptureRejected}

	res := h.svc.Reconcile(context.Background(), "order_CR", nil)
	assert.Equal(t, reconciledomain.StatusPending, res.Status)
	assert.Equal(t, reconciledomain.ReasonCaptureRejected, res.Reason)
	assert.Equal(t, ledgerdomain.BookingStatusPendingPayment, h.booking(t, "order_CR").Status)
}

func TestReconcileFailedPaymentsExpireBooking(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-F", "order_F")
	h.gateway.set("order_F", payment("pay_1", "order_F", gatewaydomain.StatusFailed, baseTime))

	res := h.svc.Reconcile(context.Background(), "order_F", nil)
	assert.Equal(t, reconciledomain.ReasonPaymentsFailed, res.Reason)
	assert.Equal(t, ledgerdomain.BookingStatusPendingPayment, h.booking(t, "order_F").Status)

	h.clock.Advance(2 * time.Hour)
	res = h.svc.Reconcile(context.Background(), "order_F", nil)
	assert.Equal(t, reconciledomain.StatusPending, res.Status)
	assert.Equal(t, ledgerdomain.BookingStatusFailed, h.booking(t, "order_F").Status)

	// a late capture still confirms a failed booking
	h.gateway.set("order_F",
		payment("pay_1", "order_F", gatewaydomain.StatusFailed, baseTime),
		payment("pay_2", "order_F", gatewaydomain.StatusCaptured, baseTime.Add(time.Minute)),
	)
	res = h.svc.Reconcile(context.Background(), "order_F", nil)
	assert.True(t, res.Reconciled)
	assert.Equal(t, ledgerdomain.BookingStatusConfirmed, h.booking(t, "order_F").Status)
}

func TestReconcileCancelledBookingIsNotEmailed(t *testing.T) {
	h := newHarness(t, false)
	ledgertest.SeedPendingBooking(t, h.ledger, "P2H-TEST-X", "order_X")
	cancelled := ledgerdomain.BookingStatusCancelled
	_, err := h.ledger.UpsertBooking(context.Background(), ledgerdomain.BookingPatch{OrderID: "order_X", Status: &cancelled})
	require.NoError(t, err)
	h.gateway.set("order_X", payment("pay_1", "order_X", gatewaydomain.StatusCaptured, baseTime))

	res := h.svc.Reconcile(context.Background(), "order_X", nil)
	assert.Equal(t, reconciledomain.ReasonBookingCancelled, res.Reason)
	assert.Zero(t, h.notifier.count())
	assert.Equal(t, ledgerdomain.BookingStatusCancelled, h.booking(t, "order_X").Status)
}

func TestNoEmailBeforeConfirmation(t *testing.T) {
	h := newHarness(t, false)
	orders := map[string]string{
		"order_1": gatewaydomain.StatusAuthorized,
		"order_2": gatewaydomain.StatusFailed,
		"order_3": gatewaydomain.StatusCaptured,
		"order_4": gatewaydomain.StatusCreated,
	}
	for orderID, status := range orders {
		ledgertest.SeedPendingBooking(t, h.ledger, "P2H-"+orderID, orderID)
		h.gateway.set(orderID, payment("pay_"+orderID, orderID, status, baseTime))
		h.svc.Reconcile(context.Background(), orderID, nil)
	}
	for orderID := range orders {
		b := h.booking(t, orderID)
		if b.EmailSent {
			assert.Equal(t, ledgerdomain.BookingStatusConfirmed, b.Status, orderID)
		}
	}
}
