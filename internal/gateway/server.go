package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/courtflow/courtflow/internal/arbitrage"
	"github.com/courtflow/courtflow/internal/budget"
	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/config"
	"github.com/courtflow/courtflow/internal/metrics"
	"github.com/courtflow/courtflow/internal/monitor"
	"github.com/courtflow/courtflow/internal/persistence"
	"github.com/courtflow/courtflow/internal/realtime"
	"github.com/courtflow/courtflow/internal/registry"
)

// VenueStatus is the adapter surface the health aggregator reads.
type VenueStatus interface {
	Name() string
	Healthy() bool
}

// StorePinger verifies relational-store connectivity.
type StorePinger interface {
	PingContext(ctx context.Context) error
}

// Deps carries everything the server wires together.
type Deps struct {
	Config     *config.Config
	Auth       *Authenticator
	Dispatcher *registry.Dispatcher
	Hub        *realtime.Hub
	Ring       *metrics.Ring
	Prom       *metrics.Registry
	Engine     *budget.Engine
	Detector   *arbitrage.Detector
	Monitor    *monitor.Monitor
	Alerts     persistence.PriceAlertRepo
	Cache      cache.Cache
	Store      StorePinger
	Venues     []VenueStatus
}

// Server is the ingress edge.
type Server struct {
	cfg        *config.Config
	auth       *Authenticator
	dispatcher *registry.Dispatcher
	hub        *realtime.Hub
	ring       *metrics.Ring
	prom       *metrics.Registry
	engine     *budget.Engine
	detector   *arbitrage.Detector
	monitor    *monitor.Monitor
	alerts     persistence.PriceAlertRepo
	cache      cache.Cache
	store      StorePinger
	venues     []VenueStatus
	limiter    *rateLimiter

	started    time.Time
	httpServer *http.Server
}

// NewServer wires the ingress edge from its dependencies.
func NewServer(deps Deps) *Server {
	var rateHook func(string)
	if deps.Prom != nil {
		rateHook = func(class string) {
			deps.Prom.RateLimited.WithLabelValues(class).Inc()
		}
	}
	s := &Server{
		cfg:        deps.Config,
		auth:       deps.Auth,
		dispatcher: deps.Dispatcher,
		hub:        deps.Hub,
		ring:       deps.Ring,
		prom:       deps.Prom,
		engine:     deps.Engine,
		detector:   deps.Detector,
		monitor:    deps.Monitor,
		alerts:     deps.Alerts,
		cache:      deps.Cache,
		store:      deps.Store,
		venues:     deps.Venues,
		limiter:    newRateLimiter(deps.Config.RateLimit, rateHook),
		started:    time.Now(),
	}
	return s
}

// endpoint applies the per-route stages: rate-limit class then auth.
type authMode int

const (
	authNone authMode = iota
	authOptional
	authRequired
)

func (s *Server) endpoint(h http.Handler, auth authMode, class string) http.Handler {
	switch auth {
	case authRequired:
		h = s.auth.requireAuth(h)
	case authOptional:
		h = s.auth.optionalAuth(h)
	}
	return s.limiter.middleware(class)(h)
}

// Router builds the full route table. Entries are registered in priority
// order; gorilla/mux matches the first registered route.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondCode(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// Local operational surface.
	r.Handle("/health", s.endpoint(http.HandlerFunc(s.handleHealth), authNone, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/health/detailed", s.endpoint(http.HandlerFunc(s.handleHealthDetailed), authNone, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/status", s.endpoint(http.HandlerFunc(s.handleStatus), authNone, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/metrics", s.endpoint(http.HandlerFunc(s.handleMetrics), authNone, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/performance", s.endpoint(http.HandlerFunc(s.handlePerformance), authNone, RateClassDefault)).Methods(http.MethodGet)
	if s.prom != nil {
		r.Handle("/api/metrics/prom", s.endpoint(s.prom.Handler(), authNone, RateClassDefault)).Methods(http.MethodGet)
	}

	// Realtime hub and its ops endpoints.
	r.Handle("/ws", s.hub)
	r.Handle("/api/v1/websocket/status",
		s.endpoint(http.HandlerFunc(s.handleWSStatus), authRequired, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/v1/websocket/test-message",
		s.endpoint(http.HandlerFunc(s.handleWSTestMessage), authRequired, RateClassDefault)).Methods(http.MethodPost)

	// User service: credential endpoints use the strict class, no auth.
	r.Handle("/api/v1/users/register",
		s.endpoint(s.proxy("user", "/api/v1/users", "/users"), authNone, RateClassAuth)).Methods(http.MethodPost)
	r.Handle("/api/v1/users/login",
		s.endpoint(s.proxy("user", "/api/v1/users", "/users"), authNone, RateClassAuth)).Methods(http.MethodPost)
	r.PathPrefix("/api/v1/users/").Handler(
		s.endpoint(s.proxy("user", "/api/v1/users", "/users"), authRequired, RateClassDefault))

	// AI scouting: everything authed.
	r.PathPrefix("/api/v1/ai/").Handler(
		s.endpoint(s.proxy("ai-scouting", "/api/v1/ai", "/ai"), authRequired, RateClassDefault))

	// Marketplace: the monitoring core serves reads locally; the rest
	// forwards to the marketplace-monitor service.
	r.Handle("/api/v1/marketplace/opportunities",
		s.endpoint(http.HandlerFunc(s.handleOpportunities), authRequired, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/v1/marketplace/arbitrage",
		s.endpoint(http.HandlerFunc(s.handleOpportunities), authRequired, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/v1/marketplace/arbitrage/{id}/status",
		s.endpoint(http.HandlerFunc(s.handleArbitrageStatus), authRequired, RateClassDefault)).Methods(http.MethodPost)
	r.Handle("/api/v1/marketplace/alerts",
		s.endpoint(http.HandlerFunc(s.handleAlertCreate), authRequired, RateClassDefault)).Methods(http.MethodPost)
	r.Handle("/api/v1/marketplace/alerts",
		s.endpoint(http.HandlerFunc(s.handleAlertList), authRequired, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/v1/marketplace/alerts/{id}",
		s.endpoint(http.HandlerFunc(s.handleAlertDelete), authRequired, RateClassDefault)).Methods(http.MethodDelete)
	r.Handle("/api/v1/marketplace/alerts/{id}/reset",
		s.endpoint(http.HandlerFunc(s.handleAlertReset), authRequired, RateClassDefault)).Methods(http.MethodPost)
	r.Handle("/api/v1/marketplace/prices/{momentId}",
		s.endpoint(http.HandlerFunc(s.handlePriceState), authOptional, RateClassDefault)).Methods(http.MethodGet)
	r.PathPrefix("/api/v1/marketplace/").Handler(
		s.endpoint(s.proxy("marketplace-monitor", "/api/v1/marketplace", "/marketplace"), authOptional, RateClassDefault))

	// Budget core, served locally.
	r.Handle("/api/v1/budget/approve",
		s.endpoint(http.HandlerFunc(s.handleBudgetApprove), authRequired, RateClassDefault)).Methods(http.MethodPost)
	r.Handle("/api/v1/budget/limits",
		s.endpoint(http.HandlerFunc(s.handleBudgetLimitsGet), authRequired, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/v1/budget/limits",
		s.endpoint(http.HandlerFunc(s.handleBudgetLimitsUpdate), authRequired, RateClassDefault)).Methods(http.MethodPut)
	r.Handle("/api/v1/budget/limits/confirm",
		s.endpoint(http.HandlerFunc(s.handleBudgetConfirm), authRequired, RateClassDefault)).Methods(http.MethodPost)
	r.Handle("/api/v1/budget/status",
		s.endpoint(http.HandlerFunc(s.handleBudgetStatus), authRequired, RateClassDefault)).Methods(http.MethodGet)
	r.Handle("/api/v1/budget/emergency-stop",
		s.endpoint(http.HandlerFunc(s.handleEmergencyStop), authRequired, RateClassDefault)).Methods(http.MethodPost)
	r.Handle("/api/v1/budget/emergency-stop/{id}/resolve",
		s.endpoint(http.HandlerFunc(s.handleEmergencyResolve), authRequired, RateClassDefault)).Methods(http.MethodPost)

	// Trading: execute performs the risk-management pre-flight.
	r.Handle("/api/v1/trades/execute",
		s.endpoint(http.HandlerFunc(s.handleTradeExecute), authRequired, RateClassDefault)).Methods(http.MethodPost)
	r.PathPrefix("/api/v1/trades/").Handler(
		s.endpoint(s.proxy("trading", "/api/v1/trades", "/trades"), authRequired, RateClassDefault))

	// Remaining namesake services.
	r.PathPrefix("/api/v1/notifications/").Handler(
		s.endpoint(s.proxy("notification", "/api/v1/notifications", "/notifications"), authRequired, RateClassDefault))
	r.PathPrefix("/api/v1/strategies/").Handler(
		s.endpoint(s.proxy("strategy", "/api/v1/strategies", "/strategies"), authRequired, RateClassDefault))
	r.PathPrefix("/api/v1/portfolio/").Handler(
		s.endpoint(s.proxy("trading", "/api/v1/portfolio", "/portfolio"), authRequired, RateClassDefault))
	r.PathPrefix("/api/v1/leaderboard").Handler(
		s.endpoint(s.proxy("user", "/api/v1/leaderboard", "/leaderboard"), authOptional, RateClassDefault))

	// Global pipeline, outermost first.
	return chain(r,
		requestIDMiddleware,
		sizeGateMiddleware(s.cfg.Server.MaxBodyBytes),
		securityHeadersMiddleware,
		corsMiddleware(s.cfg.Server.AllowedOrigins),
		recoveryMiddleware(s.cfg.Server.Production),
		metricsMiddleware(s.ring, s.prom),
	)
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	log.Info().Str("addr", addr).Msg("gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
