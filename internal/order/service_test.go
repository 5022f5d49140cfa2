package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemart/internal/apperr"
	"notemart/internal/cache"
	"notemart/internal/contracts"
	"notemart/internal/docstore"
	"notemart/internal/gateway"
)

type recordingNotifier struct {
	mu      sync.Mutex
	updates []string
}

func (n *recordingNotifier) OrderChanged(orderID, status, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, orderID+":"+status)
}

type fixture struct {
	svc      *Service
	docs     *docstore.Store
	gw       *gateway.Fake
	signer   *gateway.Signer
	notifier *recordingNotifier
	logs     *test.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		docs:     docstore.NewMemory(docstore.Options{MaxAttempts: 50, Backoff: time.Millisecond}),
		gw:       &gateway.Fake{},
		signer:   gateway.NewSigner("key_secret", "hook_secret"),
		notifier: &recordingNotifier{},
		logs:     hook,
	}
	f.svc = NewService(Deps{
		Docs:     f.docs,
		Gateway:  f.gw,
		Verifier: f.signer,
		Ledger:   cache.NewMemoryLedger(time.Hour),
		Notifier: f.notifier,
		Logger:   logger,
	})
	return f
}

// seedOrder stores a pending order as if CreateOrder had run with the
// gateway returning orderID.
func (f *fixture) seedOrder(t *testing.T, orderID, buyerID, itemID string) {
	t.Helper()
	require.NoError(t, f.docs.RunTransaction(context.Background(), func(ctx context.Context, tx *docstore.Tx) error {
		return tx.Create(orderPath(orderID), Order{
			OrderID:  orderID,
			BuyerID:  buyerID,
			ItemID:   itemID,
			Amount:   500,
			Currency: "INR",
			Status:   StatusPending,
		})
	}))
}

func (f *fixture) order(t *testing.T, orderID string) Order {
	t.Helper()
	o, err := f.svc.Get(context.Background(), orderID)
	require.NoError(t, err)
	return *o
}

func (f *fixture) buyer(t *testing.T, buyerID string) Buyer {
	t.Helper()
	b, err := f.svc.Buyer(context.Background(), buyerID)
	require.NoError(t, err)
	return *b
}

func TestCreateOrderThenVerifyGrantsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	remote, err := f.svc.CreateOrder(ctx, CreateOrderRequest{BuyerID: "u1", ItemID: "n1", Amount: 500, Currency: "inr"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), remote.Amount)
	assert.Equal(t, "INR", remote.Currency)

	pending := f.order(t, remote.ID)
	assert.Equal(t, StatusPending, pending.Status)
	assert.Empty(t, pending.PaymentID)
	assert.Len(t, f.docs.PendingEvents(contracts.EventOrderCreated), 1)

	sig := f.signer.PaymentSignature(remote.ID, "pay_xyz")
	paid, err := f.svc.VerifyPayment(ctx, Confirmation{OrderID: remote.ID, PaymentID: "pay_xyz", Signature: sig, ItemID: "n1", BuyerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, "pay_xyz", paid.PaymentID)

	assert.Equal(t, []string{"n1"}, f.buyer(t, "u1").PurchasedItems)
	assert.Len(t, f.docs.PendingEvents(contracts.EventOrderPaid), 1)
	assert.Equal(t, []string{remote.ID + ":paid"}, f.notifier.updates)
}

func TestVerifyPaymentOrderABC(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order_abc", "u1", "n1")

	sig := f.signer.PaymentSignature("order_abc", "pay_xyz")
	_, err := f.svc.VerifyPayment(context.Background(), Confirmation{OrderID: "order_abc", PaymentID: "pay_xyz", Signature: sig, ItemID: "n1", BuyerID: "u1"})
	require.NoError(t, err)

	o := f.order(t, "order_abc")
	assert.Equal(t, StatusPaid, o.Status)
	assert.Equal(t, "pay_xyz", o.PaymentID)
	assert.True(t, f.buyer(t, "u1").Owns("n1"))
}

func TestVerifyPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order_abc", "u1", "n1")
	ctx := context.Background()
	c := Confirmation{OrderID: "order_abc", PaymentID: "pay_xyz", Signature: f.signer.PaymentSignature("order_abc", "pay_xyz")}

	first, err := f.svc.VerifyPayment(ctx, c)
	require.NoError(t, err)
	second, err := f.svc.VerifyPayment(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"n1"}, f.buyer(t, "u1").PurchasedItems)
	assert.Len(t, f.docs.PendingEvents(contracts.EventOrderPaid), 1)
	assert.Len(t, f.notifier.updates, 1)
}

func TestVerifyPaymentTamperedSignatureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order_abc", "u1", "n1")
	ctx := context.Background()

	for _, sig := range []string{"", "deadbeef", f.signer.PaymentSignature("order_abc", "pay_other")} {
		_, err := f.svc.VerifyPayment(ctx, Confirmation{OrderID: "order_abc", PaymentID: "pay_xyz", Signature: sig})
		assert.Error(t, err)
	}
	_, err := f.svc.VerifyPayment(ctx, Confirmation{OrderID: "order_abc", PaymentID: "pay_xyz", Signature: "deadbeef"})
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	assert.Equal(t, StatusPending, f.order(t, "order_abc").Status)
	_, err = f.svc.Buyer(ctx, "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.docs.PendingEvents(contracts.EventOrderPaid))
}

func TestVerifyPaymentRejectsMismatchedBuyerOrItem(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order_abc", "u1", "n1")
	sig := f.signer.PaymentSignature("order_abc", "pay_xyz")

	_, err := f.svc.VerifyPayment(context.Background(), Confirmation{OrderID: "order_abc", PaymentID: "pay_xyz", Signature: sig, BuyerID: "u2"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.VerifyPayment(context.Background(), Confirmation{OrderID: "order_abc", PaymentID: "pay_xyz", Signature: sig, ItemID: "n2"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, StatusPending, f.order(t, "order_abc").Status)
}

func TestVerifyPaymentUnknownOrder(t *testing.T) {
	f := newFixture(t)
	sig := f.signer.PaymentSignature("order_missing", "pay_xyz")

	_, err := f.svc.VerifyPayment(context.Background(), Confirmation{OrderID: "order_missing", PaymentID: "pay_xyz", Signature: sig})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerifyPaymentOnFailedOrderIsClosed(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order_abc", "u1", "n1")
	_, err := f.svc.markFailed(context.Background(), "order_abc", "pay_1")
	require.NoError(t, err)

	sig := f.signer.PaymentSignature("order_abc", "pay_xyz")
	_, err = f.svc.VerifyPayment(context.Background(), Confirmation{OrderID: "order_abc", PaymentID: "pay_xyz", Signature: sig})
	assert.ErrorIs(t, err, apperr.ErrOrderClosed)
	assert.Equal(t, StatusFailed, f.order(t, "order_abc").Status)
}

func TestPaidOrderKeepsFirstPaymentID(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order_abc", "u1", "n1")
	ctx := context.Background()

	_, err := f.svc.VerifyPayment(ctx, Confirmation{OrderID: "order_abc", PaymentID: "pay_1", Signature: f.signer.PaymentSignature("order_abc", "pay_1")})
	require.NoError(t, err)
	_, err = f.svc.VerifyPayment(ctx, Confirmation{OrderID: "order_abc", PaymentID: "pay_2", Signature: f.signer.PaymentSignature("order_abc", "pay_2")})
	require.NoError(t, err)

	assert.Equal(t, "pay_1", f.order(t, "order_abc").PaymentID)
	require.NotNil(t, f.logs.LastEntry())
	assert.Equal(t, logrus.WarnLevel, f.logs.LastEntry().Level)
}

func TestCreateOrderAlreadyOwnedSkipsGateway(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order_abc", "u1", "n1")
	ctx := context.Background()
	_, err := f.svc.VerifyPayment(ctx, Confirmation{OrderID: "order_abc", PaymentID: "pay_xyz", Signature: f.signer.PaymentSignature("order_abc", "pay_xyz")})
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(ctx, CreateOrderRequest{BuyerID: "u1", ItemID: "n1", Amount: 500, Currency: "INR"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyOwned)
	assert.Zero(t, f.gw.Calls())
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]CreateOrderRequest{
		"no buyer":     {ItemID: "n1", Amount: 500, Currency: "INR"},
		"no item":      {BuyerID: "u1", Amount: 500, Currency: "INR"},
		"zero amount":  {BuyerID: "u1", ItemID: "n1", Currency: "INR"},
		"bad currency": {BuyerID: "u1", ItemID: "n1", Amount: 500, Currency: "RUPEES"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Zero(t, f.gw.Calls())
}

func TestCreateOrderGatewayFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.gw.SetErr(apperr.Upstream(errors.New("timeout"), "create remote order"))

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderRequest{BuyerID: "u1", ItemID: "n1", Amount: 500, Currency: "INR"})
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)

	snaps, err := f.docs.List(context.Background(), "orders")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestCreateOrderRetryReusesRemoteOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	interfered := false

	// A competing write to the buyer document forces one conflict retry.
	f.svc.gateway = gatewayFunc(func(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
		if !interfered {
			interfered = true
			require.NoError(t, f.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
				return tx.Set(buyerPath("u1"), Buyer{ID: "u1", PurchasedItems: []string{"other"}})
			}))
		}
		return f.gw.CreateOrder(ctx, req)
	})

	remote, err := f.svc.CreateOrder(ctx, CreateOrderRequest{BuyerID: "u1", ItemID: "n1", Amount: 500, Currency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.Calls())
	assert.Equal(t, StatusPending, f.order(t, remote.ID).Status)
}

type gatewayFunc func(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error)

func (fn gatewayFunc) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	return fn(ctx, req)
}

func TestBuyerGrantHasSetSemantics(t *testing.T) {
	b := Buyer{ID: "u1"}
	assert.True(t, b.Grant("n1"))
	assert.False(t, b.Grant("n1"))
	assert.True(t, b.Grant("n2"))
	assert.Equal(t, []string{"n1", "n2"}, b.PurchasedItems)
}
