// Package api serves the HTTP status and control API of the miner. Every
// Manager interaction runs on the control loop.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bardlex/gomp-miner/internal/database"
	"github.com/bardlex/gomp-miner/internal/mining"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// Caller runs fn on the control goroutine and waits for it
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// HistoryProvider looks up stored statistics of a pool
type HistoryProvider interface {
	GetPoolHistory(ctx context.Context, pool string) (*database.PoolHistory, error)
}

// Config holds HTTP server settings
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig returns the server defaults for addr
func DefaultConfig(addr string) *Config {
	return &Config{
		ListenAddr:   addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		CallTimeout:  5 * time.Second,
	}
}

// Server is the HTTP API
type Server struct {
	cfg     *Config
	loop    Caller
	mgr     *mining.Manager
	hub     *Hub
	metrics http.Handler
	history HistoryProvider
	logger  *log.Logger

	router   *mux.Router
	server   *http.Server
	listener net.Listener
}

// Option configures optional parts of the server
type Option func(*Server)

// WithHub serves the event stream at /api/events
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithMetrics serves h at /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHistory serves pool history from p
func WithHistory(p HistoryProvider) Option {
	return func(s *Server) { s.history = p }
}

// NewServer creates the API for mgr. mgr is only touched through loop.
func NewServer(cfg *Config, loop Caller, mgr *mining.Manager, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		loop:   loop,
		mgr:    mgr,
		logger: logger.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.CallTimeout <= 0 {
		s.cfg.CallTimeout = 5 * time.Second
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/mining/start", s.handleStartMining).Methods(http.MethodPost)
	api.HandleFunc("/mining/stop", s.handleStopMining).Methods(http.MethodPost)

	api.HandleFunc("/miners", s.handleListMiners).Methods(http.MethodGet)
	api.HandleFunc("/miners", s.handleAddMiner).Methods(http.MethodPost)
	api.HandleFunc("/miners/restore-defaults", s.handleRestoreDefaults).Methods(http.MethodPost)
	api.HandleFunc("/miners/{index:[0-9]+}", s.handleGetMiner).Methods(http.MethodGet)
	api.HandleFunc("/miners/{index:[0-9]+}", s.handleRemoveMiner).Methods(http.MethodDelete)
	api.HandleFunc("/miners/{index:[0-9]+}/move", s.handleMoveMiner).Methods(http.MethodPost)
	api.HandleFunc("/miners/{index:[0-9]+}/history", s.handleMinerHistory).Methods(http.MethodGet)

	api.HandleFunc("/policy", s.handleSetPolicy).Methods(http.MethodPut)
	api.HandleFunc("/cores", s.handleSetCores).Methods(http.MethodPut)
	api.HandleFunc("/alternate", s.handleSetAlternate).Methods(http.MethodPut)
	api.HandleFunc("/alternate", s.handleUnsetAlternate).Methods(http.MethodDelete)

	if s.hub != nil {
		api.Handle("/events", s.hub).Methods(http.MethodGet)
	}

	return r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	go func() {
		s.logger.Info("API server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("API server failed")
		}
	}()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade through the middleware
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
