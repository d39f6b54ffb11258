// Package server exposes the HTTP and WebSocket surface: order operations,
// webhook intake, scanner control, streaming, and operational endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/aggregation"
	"github.com/aristath/tradewire/internal/auth"
	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/database"
	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/hub"
	"github.com/aristath/tradewire/internal/idempotency"
	"github.com/aristath/tradewire/internal/lifecycle"
	"github.com/aristath/tradewire/internal/scanner"
	"github.com/aristath/tradewire/internal/webhooks"
)

// Deps carries everything the server serves.
type Deps struct {
	Cfg       *config.Config
	Log       zerolog.Logger
	Clock     clock.Clock
	Engine    *lifecycle.Engine
	Idem      *idempotency.Store
	Registry  *brokers.Registry
	Intake    *webhooks.Intake
	Hub       *hub.Hub
	Scanner   *scanner.Engine
	Agg       *aggregation.Service
	Quotes    domain.QuoteSource
	Verifier  *auth.Verifier
	Gate      domain.FeatureGate
	Databases []*database.DB
}

// Server is the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	cfg       *config.Config
	log       zerolog.Logger
	clock     clock.Clock
	engine    *lifecycle.Engine
	idem      *idempotency.Store
	registry  *brokers.Registry
	intake    *webhooks.Intake
	hub       *hub.Hub
	scanner   *scanner.Engine
	agg       *aggregation.Service
	quotes    domain.QuoteSource
	verifier  *auth.Verifier
	gate      domain.FeatureGate
	databases []*database.DB
	startedAt time.Time
}

// New creates the server and mounts its routes.
func New(d Deps) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       d.Cfg,
		log:       d.Log.With().Str("component", "server").Logger(),
		clock:     d.Clock,
		engine:    d.Engine,
		idem:      d.Idem,
		registry:  d.Registry,
		intake:    d.Intake,
		hub:       d.Hub,
		scanner:   d.Scanner,
		agg:       d.Agg,
		quotes:    d.Quotes,
		verifier:  d.Verifier,
		gate:      d.Gate,
		databases: d.Databases,
		startedAt: d.Clock.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", d.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authn := s.verifier.Middleware(func(w http.ResponseWriter, _ *http.Request, reason string) {
		s.fail(w, http.StatusUnauthorized, string(domain.ErrAuthentication), reason)
	})

	r.Route("/api", func(r chi.Router) {
		// Webhooks authenticate by signature, and the stream endpoint cannot
		// carry the usual timeout middleware.
		r.Post("/webhooks/{kind}", s.handleWebhook)
		r.Get("/stream/ws", s.handleStream)

		r.Get("/health", s.handleHealth)
		r.Get("/system/status", s.handleSystemStatus)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(authn)

			r.Post("/orders", s.handlePlaceOrder)
			r.Get("/orders", s.handleListOrders)
			r.Get("/orders/{id}", s.handleGetOrder)
			r.Get("/orders/{id}/events", s.handleOrderEvents)
			r.Get("/orders/{id}/fills", s.handleOrderFills)
			r.Delete("/orders/{id}", s.handleCancelOrder)
			r.Patch("/orders/{id}", s.handleModifyOrder)

			r.Get("/positions", s.handlePositions)
			r.Get("/positions/{symbol}", s.handlePosition)
			r.Get("/account", s.handleAccount)

			r.Post("/scanners/run", s.handleScanRun)
			r.Post("/scanners/{id}/subscribe", s.handleScanSubscribe)
			r.Delete("/scanners/{id}/subscribe", s.handleScanUnsubscribe)
			r.Post("/scanners/aggregate", s.handleAggregate)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
}

// Start begins serving; blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
