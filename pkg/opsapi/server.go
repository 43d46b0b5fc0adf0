// Package opsapi is the read-only operational HTTP/WS surface
// (SPEC_FULL.md §C.2): health, aggregated stats, and a per-provider
// notification stream. It is explicitly not a presentation layer — no
// dashboards, plots, or CSV export — only the observable state spec.md §5
// already promises, exposed for monitoring and future dashboards the way
// the teacher's pkg/api/server.go exposes /health and /chain/status.
package opsapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/coordinator"
	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

// Facade is the subset of the Coordinator this surface depends on, kept
// narrow so the HTTP layer can be tested against a stub.
type Facade interface {
	Stats() coordinator.Stats
	ListProviderNotifications(providerID maas.AgentId, since uint64) []maas.Notification
}

// Server wraps a mux.Router plus a notification-push Hub.
type Server struct {
	facade Facade
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// New builds the ops server and wires its routes.
func New(facade Facade, log *zap.SugaredLogger) *Server {
	s := &Server{
		facade: facade,
		router: mux.NewRouter(),
		hub:    newHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/notifications/{providerId}", s.handleNotifications).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped handler, ready for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

// Start listens on addr; blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Infow("ops api starting", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// PublishNotification pushes n to any WebSocket connection registered
// for n.ProviderID. Nothing in this module calls it: cmd/maasd does not
// forward store notifications to the hub.
func (s *Server) PublishNotification(n maas.Notification) {
	s.hub.publish(n.ProviderID, n)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.facade.Stats())
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	providerID := maas.AgentId(vars["providerId"])

	since := uint64(0)
	if s := r.URL.Query().Get("since"); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			since = v
		}
	}

	notifications := s.facade.ListProviderNotifications(providerID, since)
	respondJSON(w, notifications)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// handleWebSocket upgrades the connection and registers it under the
// providerId query param — e.g. /ws?providerId=p1 — so it only ever
// receives that provider's notifications.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	providerID := maas.AgentId(r.URL.Query().Get("providerId"))
	if providerID == "" {
		http.Error(w, "providerId query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{
		hub:        s.hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		providerID: providerID,
	}
	s.hub.register(providerID, client)

	go client.writePump()
	go client.readPump()
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
