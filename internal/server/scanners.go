package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/tradewire/internal/auth"
	"github.com/aristath/tradewire/internal/domain"
)

func (s *Server) handleScanRun(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	if decision := s.gate.Allow(r.Context(), principal, "scanners.run", 1); !decision.Allowed {
		s.fail(w, http.StatusForbidden, string(domain.ErrAuthentication), decision.Reason)
		return
	}

	var cfg domain.ScannerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "malformed scanner config")
		return
	}
	if len(cfg.Filters) == 0 {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "at least one filter is required")
		return
	}

	resp, err := s.scanner.Run(r.Context(), &cfg)
	if err != nil {
		s.failFrom(w, err)
		return
	}
	s.ok(w, func(env *envelope) { env.Scan = resp })
}

type scanSubscribeRequest struct {
	Config      domain.ScannerConfig `json:"config"`
	IntervalSec int                  `json:"intervalSec"`
}

func (s *Server) handleScanSubscribe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	if decision := s.gate.Allow(r.Context(), principal, "scanners.subscribe", 1); !decision.Allowed {
		s.fail(w, http.StatusForbidden, string(domain.ErrAuthentication), decision.Reason)
		return
	}

	scannerID := chi.URLParam(r, "id")
	var req scanSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "malformed request body")
		return
	}
	if len(req.Config.Filters) == 0 {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "at least one filter is required")
		return
	}

	s.scanner.Subscribe(scannerID, &req.Config, req.IntervalSec)
	s.ok(w, func(env *envelope) {
		env.Data = map[string]interface{}{
			"scannerId": scannerID,
			"streaming": true,
		}
	})
}

func (s *Server) handleScanUnsubscribe(w http.ResponseWriter, r *http.Request) {
	scannerID := chi.URLParam(r, "id")
	s.scanner.Unsubscribe(scannerID)
	s.ok(w, func(env *envelope) {
		env.Data = map[string]interface{}{
			"scannerId": scannerID,
			"streaming": false,
		}
	})
}

// handleAggregate combines posted scanner runs into per-symbol consensus.
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var runs []domain.ScannerRun
	if err := json.NewDecoder(r.Body).Decode(&runs); err != nil {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "malformed scanner runs")
		return
	}
	results := s.agg.Aggregate(runs)
	s.ok(w, func(env *envelope) { env.Data = results })
}

// handleStream upgrades to WebSocket and hands the connection to the hub.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	principal := "anonymous"
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		principal = p.UserID
	} else if s.verifier != nil {
		// The browser WebSocket API cannot set headers; accept the token as
		// a query parameter as well.
		if token := r.URL.Query().Get("token"); token != "" {
			if p, err := s.verifier.Verify(token); err == nil {
				principal = p.UserID
			}
		}
	}
	s.hub.ServeWS(w, r, principal)
}
