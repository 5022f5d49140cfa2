package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gw "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemart/internal/apperr"
	"notemart/internal/order"
)

type stubOrders map[string]*order.Order

func (s stubOrders) Get(_ context.Context, orderID string) (*order.Order, error) {
	if o, ok := s[orderID]; ok {
		return o, nil
	}
	return nil, apperr.NotFound("order %s", orderID)
}

// changingOrder returns the pending order on the first read and the paid one
// afterwards, as if payment landed while the socket was being set up.
type changingOrder struct {
	mu    sync.Mutex
	reads int
}

func (c *changingOrder) Get(_ context.Context, orderID string) (*order.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	o := &order.Order{OrderID: orderID, BuyerID: "u1", Status: order.StatusPending}
	if c.reads > 1 {
		o.Status, o.PaymentID = order.StatusPaid, "pay_xyz"
	}
	return o, nil
}

func startServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	return startServerWith(t, stubOrders{
		"order_abc": {OrderID: "order_abc", BuyerID: "u1", Status: order.StatusPending},
	})
}

func startServerWith(t *testing.T, orders OrderReader) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub()
	go hub.Run(ctx)

	logger, _ := test.NewNullLogger()
	h := NewHandler(hub, orders, logger)

	r := chi.NewRouter()
	r.Get("/payment/orders/{orderID}/ws", h.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, orderID, buyerID string) (*gw.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/payment/orders/" + orderID + "/ws"
	header := http.Header{}
	if buyerID != "" {
		header.Set("X-User-ID", buyerID)
	}
	return gw.DefaultDialer.Dial(url, header)
}

func TestStreamsCurrentStatusThenTransitions(t *testing.T) {
	hub, srv := startServer(t)

	conn, _, err := dial(t, srv, "order_abc", "u1")
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first OrderUpdate
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, OrderUpdate{OrderID: "order_abc", Status: "pending"}, first)

	// Registration happens before the snapshot is read, so this reaches us.
	hub.OrderChanged("order_abc", "paid", "pay_xyz")

	var next OrderUpdate
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, OrderUpdate{OrderID: "order_abc", Status: "paid", PaymentID: "pay_xyz"}, next)
}

func TestRejectsOtherBuyersAndUnknownOrders(t *testing.T) {
	_, srv := startServer(t)

	_, resp, err := dial(t, srv, "order_abc", "u2")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = dial(t, srv, "order_missing", "u1")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = dial(t, srv, "order_abc", "")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPushesTransitionCommittedWhileConnecting(t *testing.T) {
	_, srv := startServerWith(t, &changingOrder{})

	conn, _, err := dial(t, srv, "order_abc", "u1")
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first, next OrderUpdate
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "pending", first.Status)

	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, OrderUpdate{OrderID: "order_abc", Status: "paid", PaymentID: "pay_xyz"}, next)
}
