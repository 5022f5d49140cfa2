package httpapi

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"notemart/internal/apperr"
)

var statuses = []struct {
	kind   error
	status int
}{
	{apperr.ErrValidation, http.StatusBadRequest},
	{apperr.ErrInvalidSignature, http.StatusBadRequest},
	{apperr.ErrAlreadyOwned, http.StatusConflict},
	{apperr.ErrOrderClosed, http.StatusConflict},
	{apperr.ErrNotFound, http.StatusNotFound},
	{apperr.ErrUploadFailure, http.StatusBadGateway},
	{apperr.ErrTransactionConflict, http.StatusServiceUnavailable},
	{apperr.ErrUpstreamUnavailable, http.StatusBadGateway},
}

// errorResponse picks the status for err and the message safe to show.
// Client errors carry their own text; server side failures only name their
// kind.
func errorResponse(err error) (int, string) {
	for _, s := range statuses {
		if errors.Is(err, s.kind) {
			if s.status < 500 {
				return s.status, err.Error()
			}
			return s.status, s.kind.Error()
		}
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) fail(w http.ResponseWriter, err error, op string, fields logrus.Fields) {
	status, msg := errorResponse(err)
	if status >= 500 {
		s.logger.WithError(err).WithFields(fields).Error(op)
	}
	writeError(w, status, msg)
}
