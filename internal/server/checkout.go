package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/smallbiznis/bookingpay/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	"github.com/smallbiznis/bookingpay/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	reconcileservice "github.com/smallbiznis/bookingpay/internal/reconcile/service"
	"go.uber.org/zap"
)

type createOrderRequest struct {
	Amount        int64    `json:"amount"`
	Currency      string   `json:"currency"`
	ReferenceID   string   `json:"reference_id"`
	ClientName    string   `json:"client_name"`
	Email         string   `json:"email"`
	Phone         string   `json:"phone"`
	Services      []string `json:"services"`
	PackageName   string   `json:"package_name"`
	ScheduledDate string   `json:"scheduled_date"`
	TimeSlot      string   `json:"time_slot"`
	Timeframe     string   `json:"timeframe"`
}

type createOrderResponse struct {
	OrderID     string `json:"order_id"`
	KeyID       string `json:"key_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ReferenceID string `json:"reference_id"`
}

func (r createOrderRequest) validate() error {
	switch {
	case r.Amount <= 0:
		return newValidationError("amount", "invalid", "amount must be positive")
	case strings.TrimSpace(r.ClientName) == "":
		return newValidationError("client_name", "required", "client_name is required")
	case strings.TrimSpace(r.Email) == "":
		return newValidationError("email", "required", "email is required")
	case strings.TrimSpace(r.Timeframe) != "" &&
		(strings.TrimSpace(r.ScheduledDate) != "" || strings.TrimSpace(r.TimeSlot) != ""):
		return newValidationError("timeframe", "conflict", "timeframe excludes scheduled_date and time_slot")
	}
	return nil
}

// CreateOrder opens a gateway order and records the booking as pending
// payment so later reconciles have the client's details.
func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := req.validate(); err != nil {
		AbortWithError(c, err)
		return
	}

	reference := strings.TrimSpace(req.ReferenceID)
	if reference == "" {
		reference = reconcileservice.NewReference()
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = ledgerdomain.DefaultCurrency
	}

	ctx := scopeRequest(c, reconciledomain.TriggerVerify, "checkout")
	log := logger.WithContext(ctx, s.log)

	order, err := s.gateway.CreateOrder(ctx, gatewaydomain.CreateOrderRequest{
		Amount:   req.Amount,
		Currency: currency,
		Receipt:  reference,
		Notes: map[string]string{
			gatewaydomain.NoteReferenceID: reference,
			"client_name":                 strings.TrimSpace(req.ClientName),
			"email":                       strings.TrimSpace(req.Email),
			"phone":                       strings.TrimSpace(req.Phone),
		},
	})
	if err != nil {
		log.Warn("checkout.create_order_failed", zap.String("reference_id", reference), zap.Error(err))
		AbortWithError(c, err)
		return
	}
	ctx = scopeOrder(c, order.OrderID)
	log = logger.WithContext(ctx, s.log)

	pending := ledgerdomain.BookingStatusPendingPayment
	amount := order.Amount
	orderCurrency := order.Currency
	if _, err := s.ledger.UpsertBooking(ctx, ledgerdomain.BookingPatch{
		ReferenceID:   reference,
		OrderID:       order.OrderID,
		Status:        &pending,
		ClientName:    ledgerdomain.StringPtr(req.ClientName),
		Email:         ledgerdomain.StringPtr(req.Email),
		Phone:         ledgerdomain.StringPtr(req.Phone),
		Services:      req.Services,
		PackageName:   ledgerdomain.StringPtr(req.PackageName),
		ScheduledDate: ledgerdomain.StringPtr(req.ScheduledDate),
		TimeSlot:      ledgerdomain.StringPtr(req.TimeSlot),
		Timeframe:     ledgerdomain.StringPtr(req.Timeframe),
		Amount:        &amount,
		Currency:      &orderCurrency,
	}); err != nil {
		// the order exists at the gateway; the webhook or sweep can still
		// rebuild the booking from its notes
		log.Error("checkout.booking_save_failed",
			zap.String("reference_id", reference),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	log.Info("checkout.order_created",
		zap.String("reference_id", reference),
		zap.Int64("amount", order.Amount),
	)
	c.JSON(http.StatusOK, createOrderResponse{
		OrderID:     order.OrderID,
		KeyID:       order.KeyID,
		Amount:      order.Amount,
		Currency:    order.Currency,
		ReferenceID: reference,
	})
}
