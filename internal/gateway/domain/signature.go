package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw body.
func VerifyWebhookSignature(secret string, body []byte, signature string) error {
	return verifyHMAC(secret, body, signature)
}

// VerifyPaymentSignature checks the checkout signature, which signs
// "<order_id>|<payment_id>" with the key secret.
func VerifyPaymentSignature(secret, orderID, paymentID, signature string) error {
	return verifyHMAC(secret, []byte(orderID+"|"+paymentID), signature)
}

func SignHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(secret string, payload []byte, signature string) error {
	secret = strings.TrimSpace(secret)
	signature = strings.TrimSpace(signature)
	if secret == "" {
		return ErrInvalidConfig
	}
	if signature == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}
