package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type ctxKey int

const buyerKey ctxKey = iota

// requireBuyer takes the buyer id from X-User-ID, which the auth proxy in
// front of the service sets after checking the session.
func (s *Server) requireBuyer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buyerID := r.Header.Get("X-User-ID")
		if buyerID == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), buyerKey, buyerID)))
	})
}

func buyerFrom(ctx context.Context) string {
	id, _ := ctx.Value(buyerKey).(string)
	return id
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if s.cfg.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
