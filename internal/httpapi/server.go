// Package httpapi exposes the payment, webhook, transaction history and
// admin catalog endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"notemart/internal/catalog"
	"notemart/internal/gateway"
	"notemart/internal/order"
	"notemart/internal/reporting"
)

type Orders interface {
	CreateOrder(ctx context.Context, req order.CreateOrderRequest) (*gateway.Order, error)
	VerifyPayment(ctx context.Context, c order.Confirmation) (*order.Order, error)
	HandleWebhook(ctx context.Context, body []byte, signature, deliveryID string) (order.WebhookOutcome, error)
	Buyer(ctx context.Context, buyerID string) (*order.Buyer, error)
}

type Catalog interface {
	CreateItem(ctx context.Context, req catalog.CreateItemRequest) (*catalog.Item, error)
	EditItem(ctx context.Context, req catalog.EditItemRequest) (*catalog.Result, error)
	DeleteItem(ctx context.Context, category, subject, itemID string) (*catalog.Result, error)
}

type Reports interface {
	BuyerTransactions(ctx context.Context, buyerID string, limit int) ([]reporting.Transaction, error)
	AllTransactions(ctx context.Context, limit int) ([]reporting.Transaction, error)
	Notes(ctx context.Context, ids []string) ([]reporting.Note, error)
}

type Config struct {
	AdminKey        string
	MaxUploadBytes  int64
	MaxWebhookBytes int64
}

type Server struct {
	orders  Orders
	catalog Catalog
	reports Reports
	ws      http.Handler
	cfg     Config
	logger  logrus.FieldLogger
	router  chi.Router
}

func NewServer(orders Orders, cat Catalog, reports Reports, ws http.Handler, cfg Config, logger logrus.FieldLogger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = 1 << 20
	}
	s := &Server{
		orders:  orders,
		catalog: cat,
		reports: reports,
		ws:      ws,
		cfg:     cfg,
		logger:  logger,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID, middleware.Recoverer, s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Authenticated by signature, not by identity headers.
	r.Post("/payment/webhook", s.webhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBuyer)
		r.Post("/payment/create-order", s.createOrder)
		r.Post("/payment/verify-payment", s.verifyPayment)
		r.Get("/user/transactions", s.buyerTransactions)
		r.Get("/user/notes", s.buyerNotes)
		if s.ws != nil {
			r.Method(http.MethodGet, "/payment/orders/{orderID}/ws", s.ws)
		}
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/transactions", s.allTransactions)
		r.Post("/notes/upload", s.uploadItem)
		r.Put("/categories/{category}/subjects/{subject}/notes/{noteID}", s.editItem)
		r.Delete("/categories/{category}/subjects/{subject}/notes/{noteID}", s.deleteItem)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
