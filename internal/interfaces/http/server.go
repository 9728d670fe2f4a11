// Package http serves the read-only ops surface: health, metrics, epoch state and model state.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gammaflow/internal/epoch"
	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/net/ratelimit"
	"github.com/sawpanic/gammaflow/internal/scheduler"
	"github.com/sawpanic/gammaflow/internal/store"
)

type ctxKey int

const requestIDKey ctxKey = iota

// EpochInspector reports epoch debug state.
type EpochInspector interface {
	DebugState(ctx context.Context, symbol string) (epoch.DebugState, error)
}

// SchedulerInspector reports baseline scheduler state.
type SchedulerInspector interface {
	GetStatus() scheduler.Status
}

// ProviderInspector reports the market data client's breaker and per-host limits.
type ProviderInspector interface {
	BreakerState() string
	Limits() map[string]ratelimit.Stats
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	ShutdownWait   time.Duration
}

// DefaultServerConfig returns a local-only configuration listening on addr.
func DefaultServerConfig(addr string) ServerConfig {
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	return ServerConfig{
		Addr:           addr,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
		ShutdownWait:   5 * time.Second,
	}
}

// Deps are the components the ops surface reads from.
type Deps struct {
	Store     store.Store
	Epochs    EpochInspector
	Metrics   *metrics.Registry
	Health    *HealthHandler
	Scheduler SchedulerInspector // optional
	Provider  ProviderInspector  // optional
}

// Server is the ops HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Deps
	config ServerConfig
	logger zerolog.Logger
}

// NewServer wires routes and middleware.
func NewServer(config ServerConfig, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
		logger: log.With().Str("component", "ops_http").Logger(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	if s.deps.Health != nil {
		api.Handle("/health", s.deps.Health).Methods(http.MethodGet)
	}
	api.HandleFunc("/epochs", s.epochs).Methods(http.MethodGet)
	api.HandleFunc("/epochs/{symbol}", s.epochs).Methods(http.MethodGet)
	api.HandleFunc("/models/{model}/{symbol}", s.models).Methods(http.MethodGet)
	api.HandleFunc("/flow/{symbol}", s.flow).Methods(http.MethodGet)
	api.HandleFunc("/ops/scheduler", s.schedulerStatus).Methods(http.MethodGet)
	api.HandleFunc("/ops/{kind:publisher|builder}/{name}", s.opsStats).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found: "+r.URL.Path)
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until stop is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Ops server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-stop:
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownWait)
	defer cancel()
	s.logger.Info().Msg("Shutting down ops server")
	return s.server.Shutdown(sctx)
}

// RequestID returns the request id assigned by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.logger.Debug().
			Str("request_id", RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request served")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
