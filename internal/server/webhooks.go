package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/domain"
)

// handleWebhook accepts a broker event payload. Respond 200 as soon as the
// payload is verified and deduplicated; application is asynchronous.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	kind := brokers.Kind(chi.URLParam(r, "kind"))

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "failed to read payload")
		return
	}

	if err := s.intake.Process(kind, body, r.Header); err != nil {
		var be *domain.BrokerError
		if errors.As(err, &be) && be.Kind == domain.ErrAuthentication {
			s.fail(w, http.StatusUnauthorized, string(domain.ErrAuthentication), "invalid signature")
			return
		}
		s.failFrom(w, err)
		return
	}
	s.ok(w, nil)
}
