package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/Mindburn-Labs/rudder/pkg/audit"
	"github.com/Mindburn-Labs/rudder/pkg/engine"
	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/ratelimit"
	"github.com/Mindburn-Labs/rudder/pkg/store"
	"github.com/Mindburn-Labs/rudder/pkg/telemetry"
)

// maxBodyBytes bounds inbound request and callback bodies.
const maxBodyBytes = 1 << 20

// Options configures the HTTP server.
type Options struct {
	Engine    *engine.Engine
	Store     store.Store
	Audit     audit.Sink
	Telemetry *telemetry.Provider
	Limiter   ratelimit.Store
	Auth      AuthConfig
	// CallbackMasterSecret enables callback signature verification when
	// non-empty.
	CallbackMasterSecret string
	Version              string
	Logger               *slog.Logger
}

// Server is the HTTP surface over the engine.
type Server struct {
	engine    *engine.Engine
	store     store.Store
	audit     audit.Sink
	telemetry *telemetry.Provider
	limiter   ratelimit.Store
	auth      AuthConfig
	cbSecret  string
	version   string
	logger    *slog.Logger
	validator *envelope.Validator
}

// NewServer wires the surface. Engine and Store are required.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    opts.Engine,
		store:     opts.Store,
		audit:     opts.Audit,
		telemetry: opts.Telemetry,
		limiter:   opts.Limiter,
		auth:      opts.Auth,
		cbSecret:  opts.CallbackMasterSecret,
		version:   opts.Version,
		logger:    logger.With("component", "api"),
		// Compiled once; the schema compile is too costly per request.
		validator: envelope.NewValidator(),
	}
}

// Handler builds the router with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logging(s.logger))
	r.Use(Recovery(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "x-api-key", "X-Rudder-Signature"},
		MaxAge:           300,
	}))
	r.Use(RateLimit(s.limiter, s.logger))
	r.Use(Auth(s.auth, s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/metrics", s.handleMetrics)
	r.Post("/v1/requests", s.handleSubmit)
	r.Get("/v1/requests", s.handleLookup)
	r.Get("/v1/requests/{id}", s.handleGet)
	r.Get("/v1/requests/{id}/audit", s.handleAudit)
	r.Post("/v1/callbacks/{backend}", s.handleCallback)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		WriteError(w, req, http.StatusNotFound, "Not Found", "No such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		WriteError(w, req, http.StatusMethodNotAllowed, "Method Not Allowed",
			"The HTTP method is not supported for this endpoint")
	})
	return r
}

// NewHTTPServer wraps the handler in an http.Server with timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
