package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
)

type paymentStatusResponse struct {
	Status    string `json:"status"`
	PaymentID string `json:"payment_id,omitempty"`
}

// GetPaymentStatus answers from the ledger alone; it never calls the gateway.
func (s *Server) GetPaymentStatus(c *gin.Context) {
	orderID := strings.TrimSpace(c.Query("order_id"))
	if orderID == "" {
		AbortWithError(c, newValidationError("order_id", "required", "order_id is required"))
		return
	}
	ctx := scopeOrder(c, orderID)

	payments, err := s.ledger.FindPaymentsByOrder(ctx, orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if captured := ledgerdomain.LatestCaptured(payments); captured != nil {
		c.JSON(http.StatusOK, paymentStatusResponse{
			Status:    reconciledomain.StatusCaptured,
			PaymentID: captured.PaymentID,
		})
		return
	}

	booking, err := s.ledger.FindBookingByOrderOrPayment(ctx, orderID, "")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if booking != nil && booking.Status == ledgerdomain.BookingStatusConfirmed && booking.PaymentID != nil {
		c.JSON(http.StatusOK, paymentStatusResponse{
			Status:    reconciledomain.StatusCaptured,
			PaymentID: *booking.PaymentID,
		})
		return
	}
	if booking != nil || len(payments) > 0 {
		c.JSON(http.StatusOK, paymentStatusResponse{Status: reconciledomain.StatusPending})
		return
	}
	c.JSON(http.StatusOK, paymentStatusResponse{Status: reconciledomain.StatusNotFound})
}
