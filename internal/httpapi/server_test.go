package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemart/internal/catalog"
	"notemart/internal/docstore"
	"notemart/internal/gateway"
	"notemart/internal/objectstore"
	"notemart/internal/order"
	"notemart/internal/reporting"
)

type stubReports struct {
	buyer   string
	noteIDs []string
}

func (s *stubReports) Notes(_ context.Context, ids []string) ([]reporting.Note, error) {
	s.noteIDs = ids
	out := []reporting.Note{}
	for _, id := range ids {
		out = append(out, reporting.Note{ID: id, Title: "Algebra"})
	}
	return out, nil
}

func (s *stubReports) BuyerTransactions(_ context.Context, buyerID string, _ int) ([]reporting.Transaction, error) {
	s.buyer = buyerID
	return []reporting.Transaction{{OrderID: "order_abc", BuyerID: buyerID, ItemTitle: "Algebra", Status: "paid"}}, nil
}

func (s *stubReports) AllTransactions(context.Context, int) ([]reporting.Transaction, error) {
	return []reporting.Transaction{}, nil
}

type harness struct {
	srv     *Server
	signer  *gateway.Signer
	reports *stubReports
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	docs := docstore.NewMemory(docstore.Options{})
	signer := gateway.NewSigner("key_secret", "hook_secret")

	orders := order.NewService(order.Deps{
		Docs:     docs,
		Gateway:  &gateway.Fake{},
		Verifier: signer,
		Logger:   logger,
	})
	cat := catalog.NewCoordinator(docs, catalog.Config{
		Primary:   objectstore.NewMemory("primary"),
		Secondary: objectstore.NewMemory("secondary"),
		Logger:    logger,
	})
	reports := &stubReports{}

	return &harness{
		srv:     NewServer(orders, cat, reports, nil, Config{AdminKey: "admin-secret"}, logger),
		signer:  signer,
		reports: reports,
	}
}

func (h *harness) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func buyer(id string) map[string]string {
	return map[string]string{"X-User-ID": id, "Content-Type": "application/json"}
}

func (h *harness) createOrder(t *testing.T) string {
	t.Helper()
	rec, out := h.do(t, http.MethodPost, "/payment/create-order",
		[]byte(`{"amount":500,"currency":"INR","userId":"u1","noteId":"n1"}`), buyer("u1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return out["id"].(string)
}

func TestCreateOrderRequiresBuyer(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/payment/create-order", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/payment/create-order",
		[]byte(`{"amount":500,"currency":"INR","userId":"u2","noteId":"n1"}`), buyer("u1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateOrderValidationIs400(t *testing.T) {
	h := newHarness(t)
	rec, out := h.do(t, http.MethodPost, "/payment/create-order",
		[]byte(`{"amount":0,"currency":"INR","noteId":"n1"}`), buyer("u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "amount")
}

func TestPurchaseFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	bad, _ := json.Marshal(map[string]string{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": "pay_xyz",
		"razorpay_signature":  "forged",
		"noteId":              "n1",
	})
	rec, out := h.do(t, http.MethodPost, "/payment/verify-payment", bad, buyer("u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])

	good, _ := json.Marshal(map[string]string{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": "pay_xyz",
		"razorpay_signature":  h.signer.PaymentSignature(orderID, "pay_xyz"),
		"noteId":              "n1",
		"userId":              "u1",
	})
	rec, out = h.do(t, http.MethodPost, "/payment/verify-payment", good, buyer("u1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])

	rec, _ = h.do(t, http.MethodPost, "/payment/create-order",
		[]byte(`{"amount":500,"currency":"INR","noteId":"n1"}`), buyer("u1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebhookStatuses(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)
	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_xyz","order_id":"` + orderID + `"}}}}`)

	rec, _ := h.do(t, http.MethodPost, "/payment/webhook", body, map[string]string{"X-Razorpay-Signature": "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := h.do(t, http.MethodPost, "/payment/webhook", body, map[string]string{
		"X-Razorpay-Signature": h.signer.WebhookSignature(body),
		"X-Razorpay-Event-Id":  "evt_1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ok", out["status"])

	unknown := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_nope"}}}}`)
	rec, _ = h.do(t, http.MethodPost, "/payment/webhook", unknown, map[string]string{
		"X-Razorpay-Signature": h.signer.WebhookSignature(unknown),
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBuyerTransactionsUsesAuthenticatedBuyer(t *testing.T) {
	h := newHarness(t)
	rec, out := h.do(t, http.MethodGet, "/user/transactions", nil, buyer("u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", h.reports.buyer)
	assert.Len(t, out["transactions"], 1)
}

func TestBuyerNotesListsGrantedItems(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodGet, "/user/notes", nil, buyer("u1"))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no purchases yet")

	orderID := h.createOrder(t)
	good, _ := json.Marshal(map[string]string{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": "pay_xyz",
		"razorpay_signature":  h.signer.PaymentSignature(orderID, "pay_xyz"),
		"noteId":              "n1",
	})
	rec, _ = h.do(t, http.MethodPost, "/payment/verify-payment", good, buyer("u1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, out := h.do(t, http.MethodGet, "/user/notes", nil, buyer("u1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []string{"n1"}, h.reports.noteIDs)
	notes := out["notes"].([]any)
	require.Len(t, notes, 1)
	assert.Equal(t, "n1", notes[0].(map[string]any)["id"])

	rec, _ = h.do(t, http.MethodGet, "/user/notes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func admin() map[string]string {
	return map[string]string{"X-Admin-Key": "admin-secret"}
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][3]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for field, f := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+f[0]+`"`)
		hdr.Set("Content-Type", f[1])
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write([]byte(f[2]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestAdminRoutesNeedKey(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodGet, "/admin/transactions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/admin/transactions", nil, map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/admin/transactions", nil, admin())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestItemLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	body, ct := multipartBody(t, map[string]string{
		"title":       "Algebra",
		"description": "Linear equations",
		"price":       "4900",
		"category":    "Maths",
		"subject":     "Class10",
	}, map[string][3]string{
		"pdf":   {"algebra.pdf", "application/pdf", "%PDF-1.4"},
		"image": {"cover.png", "image/png", "png"},
	})
	headers := admin()
	headers["Content-Type"] = ct
	rec, out := h.do(t, http.MethodPost, "/admin/notes/upload", body, headers)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	noteID := out["noteId"].(string)
	note := out["note"].(map[string]any)
	assert.Equal(t, "maths", note["category"])

	itemURL := "/admin/categories/maths/subjects/class10/notes/" + noteID

	body, ct = multipartBody(t, nil, nil)
	headers["Content-Type"] = ct
	rec, _ = h.do(t, http.MethodPut, itemURL, body, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, map[string]string{"price": "5900"}, nil)
	headers["Content-Type"] = ct
	rec, out = h.do(t, http.MethodPut, itemURL, body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 5900, out["note"].(map[string]any)["price"])

	rec, out = h.do(t, http.MethodDelete, itemURL, nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(out["message"].(string), "Note deleted"))

	rec, _ = h.do(t, http.MethodDelete, itemURL, nil, admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadMissingFileIs400(t *testing.T) {
	h := newHarness(t)
	body, ct := multipartBody(t, map[string]string{
		"title": "Algebra", "description": "d", "price": "10", "category": "maths", "subject": "class10",
	}, map[string][3]string{"pdf": {"a.pdf", "application/pdf", "%PDF"}})
	headers := admin()
	headers["Content-Type"] = ct

	rec, _ := h.do(t, http.MethodPost, "/admin/notes/upload", body, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorResponseHidesServerSideDetail(t *testing.T) {
	status, msg := errorResponse(context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", msg)
}
