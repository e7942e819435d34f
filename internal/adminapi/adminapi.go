// Package adminapi is the read-only HTTP admin surface: /health, /ping,
// /metrics, /v1/leases, and /config, routed with gorilla/mux the way the
// teacher's control-plane integration wires its own API.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/coordinator"
	"github.com/coredora/coredora/internal/dhcpmodel"
)

// LeaseLister returns the currently known leases for the admin endpoint;
// implemented by whatever owns the lease store(s) for each configured
// network.
type LeaseLister interface {
	ListLeases() ([]dhcpmodel.LeaseRecord, error)
}

// Server is the admin HTTP surface.
type Server struct {
	router *mux.Router
	coord  *coordinator.Coordinator
	leases LeaseLister
	config any
	log    *zap.Logger
}

// New builds the admin router. coord and leases may be nil in
// single-process test setups; config is marshalled verbatim by /config.
func New(coord *coordinator.Coordinator, leases LeaseLister, config any, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{router: mux.NewRouter(), coord: coord, leases: leases, config: config, log: log}
	s.setupRoutes()
	return s
}

// Handler returns the http.Handler to mount, e.g. in an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/leases", s.handleLeases).Methods(http.MethodGet)
	s.router.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "connected"
	if s.coord != nil && s.coord.CurrentState() == coordinator.StateDegraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleLeases(w http.ResponseWriter, _ *http.Request) {
	if s.leases == nil {
		writeJSON(w, http.StatusOK, []dhcpmodel.LeaseRecord{})
		return
	}
	recs, err := s.leases.ListLeases()
	if err != nil {
		s.log.Warn("admin: list leases failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
