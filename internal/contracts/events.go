// Package contracts defines the events written to the outbox and published
// on the exchange. The event type doubles as the routing key.
package contracts

import "time"

const (
	EventOrderCreated  = "order.created"
	EventOrderPaid     = "order.paid"
	EventOrderFailed   = "order.failed"
	EventItemCreated   = "item.created"
	EventItemUpdated   = "item.updated"
	EventItemDeleted   = "item.deleted"
	EventAssetOrphaned = "asset.orphaned"
)

type OrderEvent struct {
	OrderID   string    `json:"order_id"`
	BuyerID   string    `json:"buyer_id"`
	ItemID    string    `json:"item_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	PaymentID string    `json:"payment_id,omitempty"`
	At        time.Time `json:"at"`
}

type ItemEvent struct {
	ItemID   string    `json:"item_id"`
	Category string    `json:"category"`
	Subject  string    `json:"subject"`
	Title    string    `json:"title,omitempty"`
	Price    int64     `json:"price,omitempty"`
	At       time.Time `json:"at"`
}

// Store names used in AssetOrphanedEvent.
const (
	StorePrimary   = "primary"
	StoreSecondary = "secondary"
)

// AssetOrphanedEvent names an object that no document references any more
// but that could not be deleted inline.
type AssetOrphanedEvent struct {
	Store    string    `json:"store"`
	ObjectID string    `json:"object_id"`
	ItemID   string    `json:"item_id,omitempty"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}
