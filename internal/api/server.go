// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/reward-settler/internal/ingest"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/notify"
)

// Service interfaces for dependency injection and testing

// EventQueue accepts parsed webhook events for asynchronous processing
type EventQueue interface {
	Submit(ev *ingest.Event) error
}

// NotificationService manages notification tokens and deliveries
type NotificationService interface {
	Status(ctx context.Context, address string) (*models.NotificationToken, bool, error)
	Users(ctx context.Context) ([]*models.NotificationToken, error)
	Notify(ctx context.Context, address, title, message, targetURL string) (bool, error)
	RemoveUnverified(ctx context.Context) (*notify.CleanupReport, error)
}

// LedgerReader lists ledger entries owed to an address
type LedgerReader interface {
	ListByRecipient(ctx context.Context, address string, limit int) ([]*models.LedgerEntry, error)
}

// Pinger is a dependency reported by the health endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	queue         EventQueue
	notifications NotificationService
	ledger        LedgerReader
	health        map[string]Pinger
	config        *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// WebhookSecret enables X-Neynar-Signature verification when set
	WebhookSecret string
	// MaxBodyBytes bounds webhook bodies
	MaxBodyBytes      int64
	RequestsPerSecond int
	Burst             int
}

// NewServer creates a new API server instance. notifications, ledger and
// health may be nil; their routes then answer 503.
func NewServer(
	config *ServerConfig,
	queue EventQueue,
	notifications NotificationService,
	ledger LedgerReader,
	health map[string]Pinger,
) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		router:        mux.NewRouter(),
		queue:         queue,
		notifications: notifications,
		ledger:        ledger,
		health:        health,
		config:        config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

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
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Webhook endpoints (no rate limiting; the provider retries on failure)
	s.router.HandleFunc("/webhook/farcaster", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/webhook/neynar", s.handleWebhook).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))
	api.Use(CompressionMiddleware)

	// Notification endpoints
	api.HandleFunc("/notification-status/{address}", s.handleNotificationStatus).Methods(http.MethodGet)
	api.HandleFunc("/notification-users", s.handleNotificationUsers).Methods(http.MethodGet)
	api.HandleFunc("/test-notification", s.handleTestNotification).Methods(http.MethodPost)
	api.HandleFunc("/remove-unverified-users", s.handleRemoveUnverified).Methods(http.MethodPost)

	// Ledger endpoints
	api.HandleFunc("/ledger/{address}", s.handleLedger).Methods(http.MethodGet)
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports the status of every registered dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("dependency", name).Warn("Health check failed")
			checks[name] = "unhealthy"
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"success": healthy,
		"status":  status,
		"service": "reward-settler",
		"checks":  checks,
	})
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
