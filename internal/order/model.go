package order

import (
	"time"

	"notemart/internal/docstore"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Order is keyed by the gateway order id.
type Order struct {
	OrderID   string    `json:"orderId"`
	BuyerID   string    `json:"buyerId"`
	BuyerName string    `json:"buyerName,omitempty"`
	ItemID    string    `json:"itemId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Receipt   string    `json:"receipt"`
	Status    Status    `json:"status"`
	PaymentID string    `json:"paymentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Buyer carries the access grant: the set of items the buyer has paid for.
type Buyer struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName,omitempty"`
	PurchasedItems []string  `json:"purchasedItems"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Owns reports whether itemID is in the purchased set.
func (b Buyer) Owns(itemID string) bool {
	for _, id := range b.PurchasedItems {
		if id == itemID {
			return true
		}
	}
	return false
}

// Grant adds itemID to the purchased set and reports whether it was new.
func (b *Buyer) Grant(itemID string) bool {
	if b.Owns(itemID) {
		return false
	}
	b.PurchasedItems = append(b.PurchasedItems, itemID)
	return true
}

func orderPath(orderID string) string {
	return docstore.Path("orders", orderID)
}

func buyerPath(buyerID string) string {
	return docstore.Path("buyers", buyerID)
}
