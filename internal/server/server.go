// Package server provides the ops HTTP server for garnish: liveness and
// readiness probes, status, metrics, manual reload, and a synchronous
// enrichment endpoint for debugging table state.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"garnish/internal/auth"
	"garnish/internal/coordinator"
	"garnish/internal/logging"
	"garnish/internal/pipeline"
)

// Version is set at build time.
var Version = "dev"

// Config holds server configuration.
type Config struct {
	// Tokens verifies bearer tokens on the mutating endpoints. Nil
	// leaves those endpoints open.
	Tokens *auth.TokenService

	// Logger for structured logging.
	Logger *slog.Logger
}

// Server is the ops HTTP server. Probes and status are always open;
// reload and enrich are bearer-protected when a token service is
// configured, and rate limited per client IP either way.
type Server struct {
	deps    pipeline.Deps
	coord   *coordinator.Coordinator
	tokens  *auth.TokenService
	limiter *rateLimiter
	logger  *slog.Logger

	startTime time.Time

	mu            sync.Mutex
	server        *http.Server
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup
	inFlight      sync.WaitGroup // tracks in-flight requests for graceful drain
	draining      atomic.Bool    // true when server is draining (rejecting new requests)
}

// New creates a new Server. coord may be nil, in which case the reload
// endpoint reports unavailable.
func New(deps pipeline.Deps, coord *coordinator.Coordinator, cfg Config) *Server {
	return &Server{
		deps:      deps,
		coord:     coord,
		tokens:    cfg.Tokens,
		limiter:   newRateLimiter(rate.Every(time.Second), 10),
		logger:    logging.Default(cfg.Logger).With("component", "server"),
		startTime: time.Now(),
	}
}

// registerProbes adds Kubernetes liveness and readiness probe endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	// Liveness probe - returns 200 if the process is alive
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness probe - returns 200 once the first table set is live
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Registry.Initialized() && !s.draining.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

// trackingMiddleware wraps an http.Handler to track in-flight requests.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// buildMux creates a new ServeMux with all endpoints registered.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	s.registerProbes(mux)
	s.registerMetrics(mux)

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.Handle("POST /v1/reload", s.requireAuth(s.handleReload))
	mux.Handle("POST /v1/enrich", s.requireAuth(s.handleEnrich))

	return mux
}

// Serve starts the server on the given listener. It blocks until the
// server is stopped or an error occurs.
func (s *Server) Serve(listener net.Listener) error {
	mux := s.buildMux()
	handler := s.trackingMiddleware(rateLimitMiddleware(s.limiter)(mux))

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.server = &http.Server{Handler: handler}
	s.cleanupCancel = cancel
	s.mu.Unlock()

	s.limiter.startCleanup(cleanupCtx, &s.cleanupWg, time.Minute, 10*time.Minute)

	s.logger.Info("ops server starting", "addr", listener.Addr().String())

	err := s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop gracefully stops the server. Readiness flips to 503 first so load
// balancers stop routing, then in-flight requests drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	cancel := s.cleanupCancel
	s.server = nil
	s.cleanupCancel = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	s.logger.Info("ops server stopping")
	s.draining.Store(true)

	if cancel != nil {
		cancel()
	}
	s.cleanupWg.Wait()

	err := server.Shutdown(ctx)
	s.inFlight.Wait()
	return err
}

// Handler returns an http.Handler for the server without the per-IP
// rate limiter. This is useful for testing or embedding.
func (s *Server) Handler() http.Handler {
	return s.trackingMiddleware(s.buildMux())
}
