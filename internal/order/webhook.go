package order

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"notemart/internal/apperr"
	"notemart/internal/gateway"
)

type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// HandleWebhook verifies a gateway delivery against the exact bytes received
// and applies it. A nil error means the delivery may be acknowledged: it was
// applied now, had been applied before, or needs no action. Any other error
// should make the gateway redeliver.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature, deliveryID string) (WebhookOutcome, error) {
	if err := s.verifier.VerifyWebhook(body, signature); err != nil {
		return "", err
	}
	ev, err := gateway.ParseEvent(body)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.webhookTimeout)
	defer cancel()

	log := s.logger.WithFields(logrus.Fields{
		"event":       ev.Name,
		"order_id":    ev.OrderID,
		"payment_id":  ev.PaymentID,
		"delivery_id": deliveryID,
	})

	if deliveryID != "" {
		seen, err := s.ledger.Seen(ctx, deliveryID)
		if err != nil {
			log.WithError(err).Warn("webhook ledger lookup failed")
		}
		if seen {
			log.Debug("webhook delivery already applied")
			return WebhookDuplicate, nil
		}
	}

	outcome, err := s.applyEvent(ctx, ev, log)
	if err != nil {
		return "", err
	}

	if deliveryID != "" {
		if err := s.ledger.Remember(ctx, deliveryID); err != nil {
			log.WithError(err).Warn("webhook ledger write failed")
		}
	}
	return outcome, nil
}

func (s *Service) applyEvent(ctx context.Context, ev gateway.Event, log logrus.FieldLogger) (WebhookOutcome, error) {
	switch ev.Name {
	case gateway.EventPaymentCaptured, gateway.EventOrderPaid:
		if ev.OrderID == "" {
			return "", apperr.Validation("%s event without order id", ev.Name)
		}
		_, err := s.markPaid(ctx, ev.OrderID, ev.PaymentID, nil)
		if errors.Is(err, apperr.ErrOrderClosed) {
			// Money arrived for an order we already failed; an operator has to
			// reconcile it, redelivery would not help.
			log.Warn("capture received for failed order")
			return WebhookApplied, nil
		}
		if err != nil {
			return "", err
		}
		return WebhookApplied, nil

	case gateway.EventPaymentFailed:
		if ev.OrderID == "" {
			return "", apperr.Validation("%s event without order id", ev.Name)
		}
		if _, err := s.markFailed(ctx, ev.OrderID, ev.PaymentID); err != nil {
			return "", err
		}
		return WebhookApplied, nil

	default:
		log.Debug("webhook event ignored")
		return WebhookIgnored, nil
	}
}
