package gateway

import (
	"encoding/json"

	"notemart/internal/apperr"
)

// Webhook event names the service reacts to.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventOrderPaid       = "order.paid"
)

// Event is the part of a webhook payload the service reads.
type Event struct {
	Name      string
	OrderID   string
	PaymentID string
	Amount    int64
	Status    string
}

type entity struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Status  string `json:"status"`
}

type wireEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity entity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity entity `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// ParseEvent decodes a webhook body. The payment entity wins over the order
// entity when both are present.
func ParseEvent(body []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, apperr.Validation("decode webhook: %v", err)
	}
	if w.Event == "" {
		return Event{}, apperr.Validation("webhook has no event name")
	}

	ev := Event{Name: w.Event}
	if p := w.Payload.Payment; p != nil {
		ev.OrderID = p.Entity.OrderID
		ev.PaymentID = p.Entity.ID
		ev.Amount = p.Entity.Amount
		ev.Status = p.Entity.Status
	}
	if o := w.Payload.Order; o != nil && ev.OrderID == "" {
		ev.OrderID = o.Entity.ID
		ev.Amount = o.Entity.Amount
		ev.Status = o.Entity.Status
	}
	return ev, nil
}
