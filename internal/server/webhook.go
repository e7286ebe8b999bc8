package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/smallbiznis/bookingpay/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	"github.com/smallbiznis/bookingpay/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	"go.uber.org/zap"
)

const (
	webhookProvider     = "razorpay"
	maxWebhookBodyBytes = 1 << 20
)

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

func (e webhookEnvelope) orderID() string {
	if id := strings.TrimSpace(e.Payload.Payment.Entity.OrderID); id != "" {
		return id
	}
	return strings.TrimSpace(e.Payload.Order.Entity.ID)
}

// HandleWebhook answers 200 to every authenticated delivery, whatever the
// reconcile outcome. The sweep retries what fails here.
func (s *Server) HandleWebhook(c *gin.Context) {
	ctx := scopeRequest(c, reconciledomain.TriggerWebhook, webhookProvider)
	log := logger.WithContext(ctx, s.log)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		log.Warn("webhook.read_failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	if secret := s.cfg.Razorpay.WebhookSecret; secret != "" {
		if err := gatewaydomain.VerifyWebhookSignature(secret, body, c.GetHeader(HeaderSignature)); err != nil {
			log.Warn("webhook.signature_rejected", zap.Error(err))
			AbortWithError(c, ErrUnauthorized)
			return
		}
	} else {
		log.Warn("webhook.signature_unchecked")
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.Warn("webhook.parse_failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	orderID := envelope.orderID()
	eventID := strings.TrimSpace(c.GetHeader(HeaderEventID))
	if eventID == "" {
		sum := sha256.Sum256(body)
		eventID = hex.EncodeToString(sum[:])
	}
	s.obsMetrics.RecordWebhookEvent(ctx, webhookProvider, envelope.Event)

	if orderID != "" {
		ctx = scopeOrder(c, orderID)
		log = logger.WithContext(ctx, s.log)
	}

	inserted, err := s.ledger.RecordWebhookEvent(ctx, ledgerdomain.WebhookEvent{
		Provider:  webhookProvider,
		EventID:   eventID,
		EventType: envelope.Event,
		OrderID:   ledgerdomain.StringPtr(orderID),
		Payload:   body,
	})
	switch {
	case err != nil:
		// the log is an audit trail; losing a row must not drop the event
		log.Warn("webhook.record_failed", zap.Error(err))
	case !inserted:
		log.Info("webhook.duplicate", zap.String("event_id", eventID))
	}

	if orderID == "" {
		log.Info("webhook.no_order", zap.String("event", envelope.Event))
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	res := s.reconcile.Reconcile(ctx, orderID, nil)
	log.Info("webhook.reconciled",
		zap.String("event", envelope.Event),
		zap.String("status", res.Status),
		zap.String("reason", res.Reason),
	)
	if res.Status != reconciledomain.StatusError {
		if err := s.ledger.MarkWebhookEventProcessed(ctx, webhookProvider, eventID); err != nil {
			log.Warn("webhook.mark_processed_failed", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
