package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"notemart/internal/apperr"
	"notemart/internal/order"
)

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	NoteID   string `json:"noteId"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	buyerID, ok := s.sameBuyer(w, r, req.UserID)
	if !ok {
		return
	}

	remote, err := s.orders.CreateOrder(r.Context(), order.CreateOrderRequest{
		BuyerID:   buyerID,
		BuyerName: req.UserName,
		ItemID:    req.NoteID,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		s.fail(w, err, "create order", logrus.Fields{"buyer_id": buyerID, "item_id": req.NoteID})
		return
	}
	writeJSON(w, http.StatusOK, remote)
}

type verifyPaymentRequest struct {
	PaymentID string `json:"razorpay_payment_id"`
	OrderID   string `json:"razorpay_order_id"`
	Signature string `json:"razorpay_signature"`
	NoteID    string `json:"noteId"`
	UserID    string `json:"userId"`
}

type verifyPaymentResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, verifyPaymentResponse{Message: "invalid JSON body"})
		return
	}
	buyerID, ok := s.sameBuyer(w, r, req.UserID)
	if !ok {
		return
	}

	_, err := s.orders.VerifyPayment(r.Context(), order.Confirmation{
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		Signature: req.Signature,
		ItemID:    req.NoteID,
		BuyerID:   buyerID,
	})
	if err != nil {
		status, msg := errorResponse(err)
		if status >= 500 {
			s.logger.WithError(err).WithField("order_id", req.OrderID).Error("verify payment")
		}
		writeJSON(w, status, verifyPaymentResponse{Message: msg})
		return
	}
	writeJSON(w, http.StatusOK, verifyPaymentResponse{Success: true, Message: "Payment verified successfully"})
}

// webhook answers 200 only once the delivery is applied or known to need
// nothing; bad signatures get 400 and anything else 500 so the gateway
// redelivers.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	outcome, err := s.orders.HandleWebhook(r.Context(), body, r.Header.Get("X-Razorpay-Signature"), r.Header.Get("X-Razorpay-Event-Id"))
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidSignature) || errors.Is(err, apperr.ErrValidation) {
			s.logger.WithError(err).Warn("webhook rejected")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.WithError(err).Error("webhook processing failed")
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "outcome": string(outcome)})
}

func (s *Server) buyerTransactions(w http.ResponseWriter, r *http.Request) {
	buyerID := buyerFrom(r.Context())
	txs, err := s.reports.BuyerTransactions(r.Context(), buyerID, limitParam(r))
	if err != nil {
		s.fail(w, err, "list buyer transactions", logrus.Fields{"buyer_id": buyerID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// buyerNotes lists the items the buyer has been granted.
func (s *Server) buyerNotes(w http.ResponseWriter, r *http.Request) {
	buyerID := buyerFrom(r.Context())
	b, err := s.orders.Buyer(r.Context(), buyerID)
	if err != nil {
		s.fail(w, err, "load buyer", logrus.Fields{"buyer_id": buyerID})
		return
	}
	notes, err := s.reports.Notes(r.Context(), b.PurchasedItems)
	if err != nil {
		s.fail(w, err, "list purchased notes", logrus.Fields{"buyer_id": buyerID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "notes": notes})
}

func (s *Server) allTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.reports.AllTransactions(r.Context(), limitParam(r))
	if err != nil {
		s.fail(w, err, "list transactions", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// sameBuyer rejects bodies that name a buyer other than the authenticated
// one.
func (s *Server) sameBuyer(w http.ResponseWriter, r *http.Request, bodyUserID string) (string, bool) {
	buyerID := buyerFrom(r.Context())
	if bodyUserID != "" && bodyUserID != buyerID {
		writeError(w, http.StatusForbidden, "userId does not match the authenticated buyer")
		return "", false
	}
	return buyerID, true
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
