package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/lifecycle"
)

// envelope is the uniform response shape. Handler payloads merge in as
// extra top-level fields.
type envelope struct {
	Success         bool        `json:"success"`
	Error           string      `json:"error,omitempty"`
	ErrorCode       string      `json:"errorCode,omitempty"`
	BrokerRequestID string      `json:"brokerRequestId,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
	Order           interface{} `json:"order,omitempty"`
	Orders          interface{} `json:"orders,omitempty"`
	Positions       interface{} `json:"positions,omitempty"`
	Position        interface{} `json:"position,omitempty"`
	Account         interface{} `json:"account,omitempty"`
	Events          interface{} `json:"events,omitempty"`
	Fills           interface{} `json:"fills,omitempty"`
	Scan            interface{} `json:"scan,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) ok(w http.ResponseWriter, fill func(*envelope)) {
	env := envelope{Success: true, Timestamp: s.clock.Now().UTC()}
	if fill != nil {
		fill(&env)
	}
	s.writeJSON(w, http.StatusOK, env)
}

// okBytes renders a success envelope and returns the exact bytes written,
// so idempotent replays can repeat them verbatim.
func (s *Server) okBytes(w http.ResponseWriter, fill func(*envelope)) []byte {
	env := envelope{Success: true, Timestamp: s.clock.Now().UTC()}
	if fill != nil {
		fill(&env)
	}
	body, err := json.Marshal(env)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to serialize response")
		s.fail(w, http.StatusInternalServerError, string(domain.ErrInternal), "internal error")
		return nil
	}
	body = append(body, '\n')
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.log.Error().Err(err).Msg("Failed to write response")
	}
	return body
}

func (s *Server) fail(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, envelope{
		Success:   false,
		Error:     message,
		ErrorCode: code,
		Timestamp: s.clock.Now().UTC(),
	})
}

// failFrom maps a failure onto the envelope: taxonomy kinds carry their own
// status codes, invalid transitions become 409 at this boundary only.
func (s *Server) failFrom(w http.ResponseWriter, err error) {
	if lifecycle.IsInvalidTransition(err) {
		s.fail(w, http.StatusConflict, string(domain.ErrValidation), err.Error())
		return
	}
	if errors.Is(err, lifecycle.ErrOrderNotFound) {
		s.fail(w, http.StatusNotFound, string(domain.ErrOrderNotFound), err.Error())
		return
	}

	var be *domain.BrokerError
	if !errors.As(err, &be) {
		s.fail(w, http.StatusInternalServerError, string(domain.ErrInternal), "internal error")
		return
	}

	message := be.Message
	if be.Kind == domain.ErrInternal && be.Reference != "" {
		message = "internal error, reference " + be.Reference
	}
	env := envelope{
		Success:         false,
		Error:           message,
		ErrorCode:       string(be.Kind),
		BrokerRequestID: be.RequestID,
		Timestamp:       s.clock.Now().UTC(),
	}
	s.writeJSON(w, statusFor(be.Kind), env)
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrValidation:
		return http.StatusBadRequest
	case domain.ErrAuthentication:
		return http.StatusUnauthorized
	case domain.ErrOrderNotFound:
		return http.StatusNotFound
	case domain.ErrInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.ErrRateLimit:
		return http.StatusTooManyRequests
	case domain.ErrConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
