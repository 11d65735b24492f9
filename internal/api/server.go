// Package api provides the lease HTTP server that hands batches of work to
// remote scrape workers.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/character-harvester/internal/lease"
	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/types"
)

// LeaseAuthority is the allocation side of lease.Authority.
type LeaseAuthority interface {
	RequestBatch(ctx context.Context, kind types.ScrapeKind, maxSize int) ([]types.WorkItem, error)
	Stats() lease.Stats
	Policy() lease.Policy
}

// HealthChecker reports whether the record store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ServerConfig holds the listener address, timeouts and per-worker limit.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	WorkerRPS       float64 // lease requests per second per worker
	WorkerBurst     int
}

// Server is the lease HTTP server.
type Server struct {
	authority LeaseAuthority
	health    HealthChecker
	limiter   *RateLimiter
	router    *mux.Router
	http      *http.Server
}

// NewServer builds the router and listener. health may be nil.
func NewServer(config *ServerConfig, authority LeaseAuthority, health HealthChecker) *Server {
	s := &Server{
		authority: authority,
		health:    health,
		limiter:   NewRateLimiter(config.WorkerRPS, config.WorkerBurst),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         net.JoinHostPort(config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	// outermost first; recovery needs the request logger
	r.Use(LoggingMiddleware, RecoveryMiddleware, CompressionMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/scraping/stats", s.handleStats).Methods(http.MethodGet)

	// only lease requests count against the per-worker limit
	limited := r.Methods(http.MethodGet).Subrouter()
	limited.Use(RateLimitMiddleware(s.limiter))
	limited.HandleFunc("/scraping/{kind}/{n}", s.handleLeaseBatch)
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	logging.WithField("addr", s.http.Addr).Info("Lease server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight lease requests.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down lease server...")
	return s.http.Shutdown(ctx)
}
