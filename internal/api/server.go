package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"aiexec-sandbox/internal/auth"
	"aiexec-sandbox/internal/config"
	"aiexec-sandbox/internal/egress"
	"aiexec-sandbox/internal/executor"
	"aiexec-sandbox/internal/monitor"
	"aiexec-sandbox/internal/storage"
)

// Deps are the collaborators the HTTP server wires together. DB, Egress,
// Audit, Tokens, and BackendHealthy may be nil.
type Deps struct {
	Exec     *executor.Executor
	Verifier *auth.Verifier
	Gate     *auth.Gate
	DB       *storage.DB
	Egress   *egress.Gate
	Metrics  *monitor.Metrics
	Audit    auth.AuditSink
	Tokens   *auth.TokenManager

	// BackendHealthy reports sandbox backend reachability for /health.
	BackendHealthy func(context.Context) bool
}

// Server is the engine's HTTP front door.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	deps       Deps
	startTime  time.Time
}

// NewServer configures the HTTP server with all routes and middleware.
// Authentication wraps the /api/v1 surface; health and metrics stay open.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/validate/code", handlers.HandleValidateCode)
	apiMux.HandleFunc("POST /api/v1/validate/code/stream", handlers.HandleValidateCodeStream)
	apiMux.HandleFunc("POST /api/v1/admin/superuser", handlers.HandleCreateSuperuser)
	apiMux.HandleFunc("GET /api/v1/executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /api/v1/executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(deps.Verifier, deps.Metrics)(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	// Login exchanges a password for a session token, so it sits outside the
	// authenticated surface.
	mux.HandleFunc("POST /api/v1/auth/login", handlers.HandleLogin)
	mux.Handle("/api/", authedAPI)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.DB == nil || s.deps.DB.Healthy(r.Context())
	backendOK := s.deps.BackendHealthy == nil || s.deps.BackendHealthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Backend:  backendOK,
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	if !dbOK || !backendOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
