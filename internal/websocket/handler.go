package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gw "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"notemart/internal/apperr"
	"notemart/internal/order"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type OrderReader interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderReader
	logger logrus.FieldLogger
}

func NewHandler(hub *Hub, orders OrderReader, logger logrus.FieldLogger) *Handler {
	return &Handler{hub: hub, orders: orders, logger: logger}
}

// ServeWS streams updates for the order in the orderID route parameter. Only
// the buyer named in X-User-ID may watch their own order.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	buyerID := r.Header.Get("X-User-ID")
	if buyerID == "" {
		http.Error(w, "missing X-User-ID", http.StatusUnauthorized)
		return
	}

	o, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		h.logger.WithError(err).WithField("order_id", orderID).Error("load order for websocket")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if o.BuyerID != buyerID {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		orderID: orderID,
	}

	// The current state goes out first, queued before the hub can see the
	// client.
	upd := OrderUpdate{OrderID: orderID, Status: string(o.Status), PaymentID: o.PaymentID}
	if b, err := json.Marshal(upd); err == nil {
		client.send <- b
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	// A transition committed between the first read and registration was
	// broadcast to nobody; push it now.
	latest, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		h.logger.WithError(err).WithField("order_id", orderID).Warn("re-read order for websocket")
		return
	}
	if latest.Status != o.Status || latest.PaymentID != o.PaymentID {
		h.hub.Broadcast(OrderUpdate{OrderID: orderID, Status: string(latest.Status), PaymentID: latest.PaymentID})
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
