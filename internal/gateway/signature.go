package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"notemart/internal/apperr"
)

// Signer produces and checks gateway signatures: hex encoded HMAC-SHA256.
// Checkout signatures cover "<orderID>|<paymentID>" under the API key
// secret; webhook signatures cover the raw request body under the webhook
// secret.
type Signer struct {
	keySecret     []byte
	webhookSecret []byte
}

func NewSigner(keySecret, webhookSecret string) *Signer {
	return &Signer{keySecret: []byte(keySecret), webhookSecret: []byte(webhookSecret)}
}

func (s *Signer) PaymentSignature(orderID, paymentID string) string {
	return sign(s.keySecret, []byte(orderID+"|"+paymentID))
}

func (s *Signer) VerifyPayment(orderID, paymentID, signature string) error {
	if !equal(s.PaymentSignature(orderID, paymentID), signature) {
		return apperr.Wrap(apperr.ErrInvalidSignature, nil, "payment "+paymentID)
	}
	return nil
}

func (s *Signer) WebhookSignature(body []byte) string {
	return sign(s.webhookSecret, body)
}

func (s *Signer) VerifyWebhook(body []byte, signature string) error {
	if len(s.webhookSecret) == 0 || !equal(s.WebhookSignature(body), signature) {
		return apperr.Wrap(apperr.ErrInvalidSignature, nil, "webhook")
	}
	return nil
}

func sign(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func equal(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}
