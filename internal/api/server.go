// Package api provides the read-only HTTP and WebSocket view of a running engine, plus the operator
// acknowledge action for the emergency halt.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/journal"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Engine is the part of the live runner the API reads from.
type Engine interface {
	Snapshot() *types.PortfolioState
	Trades() []types.Trade
	Rejected() []types.RejectedSignal
	Acknowledge(ctx context.Context, operator string) (*types.EmergencyTransition, error)
}

// Option configures a Server
type Option func(*Server)

// WithHub serves WebSocket clients through hub.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithJournal serves the emergency transition log from j.
func WithJournal(j journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithMetrics mounts a Prometheus handler on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	engine     Engine
	hub        *Hub
	journal    journal.Journal
	metrics    http.Handler
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	started    time.Time
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, engine Engine, opts ...Option) *Server {
	s := &Server{
		logger:  logger,
		config:  config,
		engine:  engine,
		router:  mux.NewRouter(),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(logger)
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Portfolio snapshot views
	v1.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	v1.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	v1.HandleFunc("/var", s.handleVaR).Methods(http.MethodGet)
	v1.HandleFunc("/correlation", s.handleCorrelation).Methods(http.MethodGet)
	v1.HandleFunc("/regimes", s.handleRegimes).Methods(http.MethodGet)
	v1.HandleFunc("/emergency", s.handleEmergency).Methods(http.MethodGet)

	// History
	v1.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	v1.HandleFunc("/rejections", s.handleRejections).Methods(http.MethodGet)
	v1.HandleFunc("/emergency/transitions", s.handleTransitions).Methods(http.MethodGet)

	// Operator action
	v1.HandleFunc("/emergency/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router returns the router, used by tests and embedders.
func (s *Server) Router() *mux.Router { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "healthy",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"clients": s.hub.ClientCount(),
	}
	if state := s.engine.Snapshot(); state != nil {
		status["cycle"] = state.Cycle
		status["lastCycleAt"] = state.At
	}
	writeJSON(w, http.StatusOK, status)
}

// snapshot writes 503 and returns nil until the first cycle has been published.
func (s *Server) snapshot(w http.ResponseWriter) *types.PortfolioState {
	state := s.engine.Snapshot()
	if state == nil {
		writeError(w, http.StatusServiceUnavailable, "no portfolio state published yet")
	}
	return state
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if state := s.snapshot(w); state != nil {
		writeJSON(w, http.StatusOK, state)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if state := s.snapshot(w); state != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cycle":     state.Cycle,
			"positions": state.Positions,
			"count":     len(state.Positions),
		})
	}
}

func (s *Server) handleVaR(w http.ResponseWriter, r *http.Request) {
	state := s.snapshot(w)
	if state == nil {
		return
	}
	if state.VaR == nil {
		writeError(w, http.StatusNotFound, "VaR not evaluated yet")
		return
	}
	writeJSON(w, http.StatusOK, state.VaR)
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	state := s.snapshot(w)
	if state == nil {
		return
	}
	if state.Correlation == nil {
		writeError(w, http.StatusNotFound, "correlation not computed yet")
		return
	}
	writeJSON(w, http.StatusOK, state.Correlation)
}

func (s *Server) handleRegimes(w http.ResponseWriter, r *http.Request) {
	if state := s.snapshot(w); state != nil {
		writeJSON(w, http.StatusOK, state.Regimes)
	}
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if state := s.snapshot(w); state != nil {
		writeJSON(w, http.StatusOK, state.Emergency)
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.engine.Trades()
	if instrument := r.URL.Query().Get("instrument"); instrument != "" {
		filtered := trades[:0:0]
		for _, t := range trades {
			if t.Instrument == instrument {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	rejected := s.engine.Rejected()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rejections": rejected,
		"count":      len(rejected),
	})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "no journal configured")
		return
	}
	transitions, err := s.journal.Transitions(r.Context())
	if err != nil {
		s.logger.Error("Failed to read transitions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read transition log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

type acknowledgeRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "request body must name an operator")
		return
	}

	tr, err := s.engine.Acknowledge(r.Context(), req.Operator)
	if err != nil {
		s.logger.Warn("Acknowledge refused", zap.String("operator", req.Operator), zap.Error(err))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), s.hub, conn)
	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
