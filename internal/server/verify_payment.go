package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/smallbiznis/bookingpay/internal/gateway/domain"
	"github.com/smallbiznis/bookingpay/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	"go.uber.org/zap"
)

// verifyPaymentRequest is the body older checkout pages still send.
type verifyPaymentRequest struct {
	OrderID   string         `json:"razorpay_order_id"`
	PaymentID string         `json:"razorpay_payment_id"`
	Signature string         `json:"razorpay_signature"`
	Booking   *legacyBooking `json:"booking"`
}

type legacyBooking struct {
	ReferenceID string   `json:"referenceId"`
	ClientName  string   `json:"clientName"`
	Email       string   `json:"email"`
	Phone       string   `json:"phone"`
	Services    []string `json:"services"`
	PackageName string   `json:"packageName"`
	ScheduledAt string   `json:"scheduled_at"`
	Timeframe   string   `json:"timeframe"`
}

type verifyPaymentResponse struct {
	Success  bool `json:"success"`
	Verified bool `json:"verified"`
}

// VerifyPayment keeps the legacy response shape while delegating to the
// engine. verified means the order has a captured payment.
func (s *Server) VerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, verifyPaymentResponse{})
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	paymentID := strings.TrimSpace(req.PaymentID)
	if orderID == "" {
		c.JSON(http.StatusBadRequest, verifyPaymentResponse{})
		return
	}
	scopeRequest(c, reconciledomain.TriggerVerify, "checkout")
	ctx := scopeOrder(c, orderID)
	log := logger.WithContext(ctx, s.log)

	if paymentID != "" && strings.TrimSpace(req.Signature) != "" {
		if err := gatewaydomain.VerifyPaymentSignature(s.cfg.Razorpay.KeySecret, orderID, paymentID, req.Signature); err != nil {
			log.Warn("verify.signature_rejected", zap.String("payment_id", paymentID), zap.Error(err))
			c.JSON(http.StatusBadRequest, verifyPaymentResponse{})
			return
		}
	}

	if paymentID != "" {
		payment, err := s.gateway.FetchPayment(ctx, paymentID)
		if err != nil {
			log.Warn("verify.fetch_payment_failed", zap.String("payment_id", paymentID), zap.Error(err))
			c.JSON(http.StatusOK, verifyPaymentResponse{})
			return
		}
		if payment.OrderID != orderID {
			log.Warn("verify.payment_order_mismatch",
				zap.String("payment_id", paymentID),
				zap.String("payment_order_id", payment.OrderID),
			)
			c.JSON(http.StatusBadRequest, verifyPaymentResponse{})
			return
		}
	}

	res := s.reconcile.Reconcile(ctx, orderID, hintFromLegacy(req.Booking))
	log.Info("verify.reconciled", zap.String("status", res.Status), zap.String("reason", res.Reason))
	c.JSON(http.StatusOK, verifyPaymentResponse{
		Success:  res.Status != reconciledomain.StatusError,
		Verified: res.Status == reconciledomain.StatusCaptured,
	})
}

func hintFromLegacy(b *legacyBooking) *reconciledomain.BookingHint {
	if b == nil {
		return nil
	}
	hint := &reconciledomain.BookingHint{
		ReferenceID: strings.TrimSpace(b.ReferenceID),
		ClientName:  strings.TrimSpace(b.ClientName),
		Email:       strings.TrimSpace(b.Email),
		Phone:       strings.TrimSpace(b.Phone),
		Services:    b.Services,
		PackageName: strings.TrimSpace(b.PackageName),
		Timeframe:   strings.TrimSpace(b.Timeframe),
	}
	if hint.Timeframe == "" {
		hint.ScheduledDate, hint.TimeSlot = splitScheduledAt(b.ScheduledAt)
	}
	return hint
}

// splitScheduledAt turns an RFC 3339 timestamp or a bare date into the
// stored date and slot, keeping the caller's own offset. Anything else is
// dropped.
func splitScheduledAt(raw string) (date string, slot string) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Format(time.DateOnly), t.Format("15:04")
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.Format(time.DateOnly), ""
	}
	return "", ""
}
