// Package order runs the purchase state machine: it opens gateway orders,
// confirms payments and applies gateway webhooks. Marking an order paid and
// granting the buyer access always happen in one document transaction.
package order

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"notemart/internal/apperr"
	"notemart/internal/cache"
	"notemart/internal/contracts"
	"notemart/internal/docstore"
	"notemart/internal/gateway"
)

type Documents interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *docstore.Tx) error) error
	Get(ctx context.Context, path string, dst any) (bool, error)
}

type Verifier interface {
	VerifyPayment(orderID, paymentID, signature string) error
	VerifyWebhook(body []byte, signature string) error
}

// Notifier hears about committed status transitions.
type Notifier interface {
	OrderChanged(orderID, status, paymentID string)
}

type Deps struct {
	Docs     Documents
	Gateway  gateway.Client
	Verifier Verifier
	Ledger   cache.WebhookLedger
	Notifier Notifier
	Logger   logrus.FieldLogger
	// WebhookTimeout bounds all external calls made for one delivery.
	WebhookTimeout time.Duration
}

type Service struct {
	docs           Documents
	gateway        gateway.Client
	verifier       Verifier
	ledger         cache.WebhookLedger
	notifier       Notifier
	logger         logrus.FieldLogger
	webhookTimeout time.Duration
	now            func() time.Time
}

func NewService(d Deps) *Service {
	if d.WebhookTimeout <= 0 {
		d.WebhookTimeout = 20 * time.Second
	}
	if d.Ledger == nil {
		d.Ledger = cache.NewMemoryLedger(24 * time.Hour)
	}
	return &Service{
		docs:           d.Docs,
		gateway:        d.Gateway,
		verifier:       d.Verifier,
		ledger:         d.Ledger,
		notifier:       d.Notifier,
		logger:         d.Logger,
		webhookTimeout: d.WebhookTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type CreateOrderRequest struct {
	BuyerID   string
	BuyerName string
	ItemID    string
	Amount    int64
	Currency  string
}

func (r *CreateOrderRequest) validate() error {
	r.BuyerID = strings.TrimSpace(r.BuyerID)
	r.ItemID = strings.TrimSpace(r.ItemID)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	switch {
	case r.BuyerID == "":
		return apperr.Validation("buyer id is required")
	case r.ItemID == "":
		return apperr.Validation("item id is required")
	case r.Amount <= 0:
		return apperr.Validation("amount must be positive")
	case len(r.Currency) != 3:
		return apperr.Validation("currency must be a three letter code")
	}
	return nil
}

// CreateOrder opens a gateway order and records it as pending. A buyer who
// already owns the item gets ErrAlreadyOwned and the gateway is not called.
//
// The gateway call cannot be rolled back: if the local write then fails the
// remote order is left without a record and shows up in the stale orders
// report.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*gateway.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var remote *gateway.Order
	err := s.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		var b Buyer
		if _, err := tx.Get(ctx, buyerPath(req.BuyerID), &b); err != nil {
			return err
		}
		if b.Owns(req.ItemID) {
			return apperr.Wrap(apperr.ErrAlreadyOwned, nil, "item "+req.ItemID)
		}

		// A conflict retry reuses the remote order instead of opening another.
		if remote == nil {
			o, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
				Amount:   req.Amount,
				Currency: req.Currency,
				Receipt:  newReceipt(),
				Notes:    map[string]string{"buyer_id": req.BuyerID, "item_id": req.ItemID},
			})
			if err != nil {
				return err
			}
			remote = o
		}

		now := s.now()
		o := Order{
			OrderID:   remote.ID,
			BuyerID:   req.BuyerID,
			BuyerName: req.BuyerName,
			ItemID:    req.ItemID,
			Amount:    req.Amount,
			Currency:  req.Currency,
			Receipt:   remote.Receipt,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(orderPath(o.OrderID), o); err != nil {
			return err
		}
		return tx.Emit(contracts.EventOrderCreated, orderEvent(o, now))
	})
	if err != nil {
		if remote != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"order_id": remote.ID,
				"buyer_id": req.BuyerID,
				"item_id":  req.ItemID,
			}).Warn("gateway order created without local record")
		}
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return nil, apperr.Upstream(err, "gateway reused order id "+remote.ID)
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"order_id": remote.ID, "item_id": req.ItemID}).Info("order created")
	return remote, nil
}

type Confirmation struct {
	OrderID   string
	PaymentID string
	Signature string
	ItemID    string
	BuyerID   string
}

// VerifyPayment checks the checkout signature and, only if it matches, marks
// the order paid and grants the item. Replaying a confirmation is harmless.
func (s *Service) VerifyPayment(ctx context.Context, c Confirmation) (*Order, error) {
	if c.OrderID == "" || c.PaymentID == "" || c.Signature == "" {
		return nil, apperr.Validation("order id, payment id and signature are required")
	}
	if err := s.verifier.VerifyPayment(c.OrderID, c.PaymentID, c.Signature); err != nil {
		return nil, err
	}

	return s.markPaid(ctx, c.OrderID, c.PaymentID, func(o *Order) error {
		if c.BuyerID != "" && c.BuyerID != o.BuyerID {
			return apperr.Validation("order %s belongs to another buyer", o.OrderID)
		}
		if c.ItemID != "" && c.ItemID != o.ItemID {
			return apperr.Validation("order %s is for another item", o.OrderID)
		}
		return nil
	})
}

// markPaid is the single paid transition shared by confirmation and
// webhooks. check, if set, runs against the stored order before any write.
func (s *Service) markPaid(ctx context.Context, orderID, paymentID string, check func(*Order) error) (*Order, error) {
	var (
		result       Order
		transitioned bool
		otherPayment string
	)
	err := s.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		transitioned, otherPayment = false, ""

		var o Order
		ok, err := tx.Get(ctx, orderPath(orderID), &o)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("order %s", orderID)
		}
		if check != nil {
			if err := check(&o); err != nil {
				return err
			}
		}
		if o.Status == StatusFailed {
			return apperr.Wrap(apperr.ErrOrderClosed, nil, "order "+orderID)
		}

		var b Buyer
		exists, err := tx.Get(ctx, buyerPath(o.BuyerID), &b)
		if err != nil {
			return err
		}

		now := s.now()
		if !exists {
			b = Buyer{ID: o.BuyerID, DisplayName: o.BuyerName, PurchasedItems: []string{}, CreatedAt: now}
		}

		orderChanged := false
		switch {
		case o.Status == StatusPending:
			o.Status = StatusPaid
			o.PaymentID = paymentID
			o.UpdatedAt = now
			orderChanged, transitioned = true, true
		case o.PaymentID == "" && paymentID != "":
			o.PaymentID = paymentID
			o.UpdatedAt = now
			orderChanged = true
		case paymentID != "" && o.PaymentID != paymentID:
			otherPayment = paymentID
		}
		granted := b.Grant(o.ItemID)

		if orderChanged {
			if err := tx.Set(orderPath(orderID), o); err != nil {
				return err
			}
		}
		if granted || !exists {
			if err := tx.Set(buyerPath(o.BuyerID), b); err != nil {
				return err
			}
		}
		if transitioned {
			if err := tx.Emit(contracts.EventOrderPaid, orderEvent(o, now)); err != nil {
				return err
			}
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{"order_id": orderID, "payment_id": result.PaymentID})
	if otherPayment != "" {
		log.WithField("ignored_payment_id", otherPayment).Warn("paid order confirmed with a different payment")
	}
	if transitioned {
		log.Info("order paid")
		s.notify(result)
	}
	return &result, nil
}

// markFailed moves a pending order to failed. Paid or failed orders are left
// alone.
func (s *Service) markFailed(ctx context.Context, orderID, paymentID string) (*Order, error) {
	var (
		result       Order
		transitioned bool
	)
	err := s.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		transitioned = false

		var o Order
		ok, err := tx.Get(ctx, orderPath(orderID), &o)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("order %s", orderID)
		}
		result = o
		if o.Status.Terminal() {
			return nil
		}

		now := s.now()
		o.Status = StatusFailed
		o.UpdatedAt = now
		if err := tx.Set(orderPath(orderID), o); err != nil {
			return err
		}
		if err := tx.Emit(contracts.EventOrderFailed, orderEvent(o, now)); err != nil {
			return err
		}
		result, transitioned = o, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{"order_id": orderID, "payment_id": paymentID})
	if transitioned {
		log.Info("order failed")
		s.notify(result)
	} else {
		log.WithField("status", result.Status).Info("payment failure ignored for closed order")
	}
	return &result, nil
}

// Get returns the stored order.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	ok, err := s.docs.Get(ctx, orderPath(orderID), &o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("order %s", orderID)
	}
	return &o, nil
}

// Buyer returns the buyer profile, or ErrNotFound before the first purchase.
func (s *Service) Buyer(ctx context.Context, buyerID string) (*Buyer, error) {
	var b Buyer
	ok, err := s.docs.Get(ctx, buyerPath(buyerID), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("buyer %s", buyerID)
	}
	return &b, nil
}

func (s *Service) notify(o Order) {
	if s.notifier != nil {
		s.notifier.OrderChanged(o.OrderID, string(o.Status), o.PaymentID)
	}
}

func orderEvent(o Order, at time.Time) contracts.OrderEvent {
	return contracts.OrderEvent{
		OrderID:   o.OrderID,
		BuyerID:   o.BuyerID,
		ItemID:    o.ItemID,
		Amount:    o.Amount,
		Currency:  o.Currency,
		Status:    string(o.Status),
		PaymentID: o.PaymentID,
		At:        at,
	}
}

func newReceipt() string {
	return "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
