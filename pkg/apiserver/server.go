// Package apiserver exposes the operator HTTP API: host admission, the agent
// VM status callback, lease queries and manual termination.
package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/metrics"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
)

const heartbeatInterval = 5 * time.Second

type Config struct {
	AllowUnknownHostRegistration bool
}

type Server struct {
	store  *store.Store
	clock  clock.PassiveClock
	log    logr.Logger
	config Config
	router chi.Router
}

func NewServer(s *store.Store, clk clock.PassiveClock, log logr.Logger, config Config) *Server {
	srv := &Server{
		store:  s,
		clock:  clk,
		log:    log.WithName("api"),
		config: config,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", srv.healthz)
	r.Get("/metrics", srv.metrics)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/hosts/{hostID}/register", srv.registerHost)
		r.Post("/hosts/{hostID}/heartbeat", srv.heartbeat)
		r.Post("/hosts/{hostID}/disable", srv.disableHost)
		r.Post("/hosts/{hostID}/enable", srv.enableHost)
		r.Post("/vms/{vmID}/status", srv.vmStatus)
		r.Get("/leases", srv.listLeases)
		r.Post("/leases/{leaseID}/terminate", srv.terminateLease)
	})
	srv.router = r
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	snapshot, err := metrics.Snapshot()
	if err != nil {
		s.log.Error(err, "rendering metrics")
		writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
