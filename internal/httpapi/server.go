// Package httpapi adapts HTTP and websocket traffic onto the dispatch
// core. Handlers are thin: decode, call the registry/matcher/index, map
// the typed error onto a status code or error event.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
)

// Deps carries explicitly constructed collaborators; the server never
// reaches for process-wide state.
type Deps struct {
	Logger   *slog.Logger
	Geo      geo.Index
	Presence presence.Tracker
	Registry *rides.Registry
	Matcher  *matcher.Service
	Hub      *hub.Hub
	Store    rides.Store             // vehicle registration
	Producer *ingest.PositionProducer // optional
	Payments *payments.StripeClient   // optional
}

type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	geo      geo.Index
	presence presence.Tracker
	registry *rides.Registry
	matcher  *matcher.Service
	hub      *hub.Hub
	store    rides.Store
	producer *ingest.PositionProducer
	payments *payments.StripeClient

	// payment hold per ride, captured on completion, released on cancel
	payMu      sync.Mutex
	payIntents map[string]string

	mux *mux.Router
}

func NewServer(cfg config.ServerConfig, d Deps) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     d.Logger,
		geo:        d.Geo,
		presence:   d.Presence,
		registry:   d.Registry,
		matcher:    d.Matcher,
		hub:        d.Hub,
		store:      d.Store,
		producer:   d.Producer,
		payments:   d.Payments,
		payIntents: make(map[string]string),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods("POST")
	api.HandleFunc("/rides/accept", s.handleAcceptRide).Methods("POST")
	api.HandleFunc("/rides/confirm", s.handleConfirmRide).Methods("POST")
	api.HandleFunc("/rides/decline", s.handleDeclineRide).Methods("POST")
	api.HandleFunc("/rides/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/status", s.handleRideStatus).Methods("POST")
	api.HandleFunc("/rides/nearby", s.handleNearby).Methods("GET")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/status", s.handleDriverStatus).Methods("POST")
	s.mux.HandleFunc("/internal/driver/vehicle", s.handleVehicle).Methods("PUT")

	s.mux.HandleFunc("/ws/{entity_id}", s.handleWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
