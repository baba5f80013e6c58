// Package api provides the ops HTTP server of the block processor.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sot-ingest/internal/circuitbreaker"
	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/metrics"
	"github.com/sot-ingest/internal/models"
	"github.com/sot-ingest/internal/queue"
)

// Pinger is a dependency health check
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckpointReader reads the stored checkpoint row
type CheckpointReader interface {
	Get(ctx context.Context) (*models.Checkpoint, error)
}

// QueueStats reports block queue sizes
type QueueStats interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// LocationReader lists stored location records
type LocationReader interface {
	GetByUniqueID(ctx context.Context, uniqueID string) (*models.LocationRecord, error)
	List(ctx context.Context, limit, offset int) ([]*models.LocationRecord, error)
	Count(ctx context.Context) (int64, error)
}

// AuditReader returns the latest ingest audit rows
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]*models.IngestAudit, error)
}

// BreakerReporter exposes a circuit breaker's state
type BreakerReporter interface {
	BreakerState() circuitbreaker.State
}

// Dependencies are the stores the ops endpoints read from.
// Audit may be nil when the audit log is disabled.
type Dependencies struct {
	Checkpoints CheckpointReader
	Queue       QueueStats
	Locations   LocationReader
	Audit       AuditReader
	Health      map[string]Pinger
	Breakers    map[string]BreakerReporter
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Dependencies
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RateLimitRPS   int
	RateLimitBurst int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
		logger: logger.WithComponent("api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// order matters
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(metrics.InstrumentHandler)
	if s.config.RateLimitRPS > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/checkpoint", s.handleGetCheckpoint).Methods("GET")
	api.HandleFunc("/queue", s.handleGetQueue).Methods("GET")
	api.HandleFunc("/locations", s.handleListLocations).Methods("GET")
	api.HandleFunc("/locations/{uniqueId}", s.handleGetLocation).Methods("GET")
	api.HandleFunc("/audit", s.handleListAudit).Methods("GET")
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
