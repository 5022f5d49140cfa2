// Package gateway talks to the payment gateway: it creates remote orders,
// checks checkout and webhook signatures, and decodes webhook events.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	razorpay "github.com/razorpay/razorpay-go"

	"notemart/internal/apperr"
)

// OrderRequest describes a remote order. Amount is in the currency's
// smallest unit and is passed through untouched.
type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type Client interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
}

type Razorpay struct {
	client  *razorpay.Client
	timeout time.Duration
}

func NewRazorpay(keyID, keySecret string, timeout time.Duration) *Razorpay {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Razorpay{client: razorpay.NewClient(keyID, keySecret), timeout: timeout}
}

type createResult struct {
	body map[string]interface{}
	err  error
}

// CreateOrder calls the gateway. The SDK has no context support, so the call
// runs in its own goroutine and is abandoned when the deadline passes.
func (r *Razorpay) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": req.Currency,
		"receipt":  req.Receipt,
	}
	if len(req.Notes) > 0 {
		data["notes"] = req.Notes
	}

	done := make(chan createResult, 1)
	go func() {
		body, err := r.client.Order.Create(data, nil)
		done <- createResult{body: body, err: err}
	}()

	var res createResult
	select {
	case <-ctx.Done():
		return nil, apperr.Upstream(ctx.Err(), "create remote order")
	case res = <-done:
	}
	if res.err != nil {
		return nil, apperr.Upstream(res.err, "create remote order")
	}

	order, err := decodeOrder(res.body)
	if err != nil {
		return nil, apperr.Upstream(err, "decode remote order")
	}
	return order, nil
}

func decodeOrder(body map[string]interface{}) (*Order, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	if o.ID == "" {
		return nil, errors.New("gateway response has no order id")
	}
	return &o, nil
}
