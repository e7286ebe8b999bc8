package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/bookingpay/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	"go.uber.org/zap"
)

type orderRequest struct {
	OrderID string `json:"order_id"`
}

// Reconcile runs the engine for one order on operator request. Outcomes,
// including a missing order id, are reported in band with HTTP 200.
func (s *Server) Reconcile(c *gin.Context) {
	var req orderRequest
	_ = c.ShouldBindJSON(&req)

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		c.JSON(http.StatusOK, reconciledomain.Result{
			Status: reconciledomain.StatusError,
			Reason: reconciledomain.ReasonInvalidOrderID,
		})
		return
	}
	scopeRequest(c, reconciledomain.TriggerInternal, "operator")
	ctx := scopeOrder(c, orderID)
	res := s.reconcile.Reconcile(ctx, orderID, nil)
	c.JSON(http.StatusOK, res)
}

// ResendConfirmation sends the booking confirmation for an order again if it
// has not gone out yet.
func (s *Server) ResendConfirmation(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		AbortWithError(c, newValidationError("order_id", "required", "order_id is required"))
		return
	}
	scopeRequest(c, reconciledomain.TriggerInternal, "operator")
	ctx := scopeOrder(c, orderID)
	booking, err := s.ledger.FindBookingByOrderOrPayment(ctx, orderID, "")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if booking == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	sent := s.notifier.SendBookingConfirmation(ctx, *booking)
	logger.WithContext(ctx, s.log).Info("confirmation.resend",
		zap.String("reference_id", booking.ReferenceID),
		zap.Bool("sent", sent),
	)
	c.JSON(http.StatusOK, gin.H{
		"sent":         sent,
		"reference_id": booking.ReferenceID,
		"status":       booking.Status,
	})
}
