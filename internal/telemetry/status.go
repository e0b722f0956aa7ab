package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/yairfalse/procwatch/internal/observers/base"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusConfig configures the status server
type StatusConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Health and Stats back /healthz and /stats. Either may be nil.
	Health  func() base.HealthStatus
	Stats   func() interface{}
	Metrics http.Handler

	Logger *zap.Logger
}

// StatusServer serves /metrics, /healthz and /stats
type StatusServer struct {
	router *mux.Router
	config StatusConfig
	logger *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewStatusServer creates a status server. It does not listen until Start.
func NewStatusServer(config StatusConfig) *StatusServer {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &StatusServer{
		router: mux.NewRouter(),
		config: config,
		logger: config.Logger,
	}
	s.setupRoutes()
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)
	return s
}

func (s *StatusServer) setupRoutes() {
	if s.config.Metrics != nil {
		s.router.Handle("/metrics", s.config.Metrics).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves in the background
func (s *StatusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return fmt.Errorf("status server already started")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:      s,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully
func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleHealth handles GET /healthz. Degraded still answers 200.
func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.config.Health == nil {
		s.respondJSON(w, http.StatusOK, base.HealthStatus{
			Status:    base.HealthHealthy,
			CheckedAt: time.Now(),
		})
		return
	}

	health := s.config.Health()
	status := http.StatusOK
	if health.Status == base.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, health)
}

// handleStats handles GET /stats
func (s *StatusServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.config.Stats == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "no statistics source"})
		return
	}
	s.respondJSON(w, http.StatusOK, s.config.Stats())
}

func (s *StatusServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *StatusServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Status request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *StatusServer) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in status handler",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
