package apihttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hexpool/ipv6pool/internal/config"
	"github.com/hexpool/ipv6pool/internal/health"
	"github.com/hexpool/ipv6pool/internal/metrics"
	"github.com/hexpool/ipv6pool/internal/poolsvc"
	"go.uber.org/zap"
)

// Server is the RPC surface's HTTP server: an explicit routing table
// bound at construction, per the design's replacement for
// decorator-style route declaration.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   *Handlers
	health     *health.Health
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
	cfg        *config.Config
}

// New builds a Server wired to svc. m may be nil when metrics are
// disabled.
func New(cfg *config.Config, svc *poolsvc.Service, hc *health.Health, m *metrics.Metrics, log *zap.SugaredLogger) *Server {
	router := mux.NewRouter()
	errWriter := newErrorWriter(log)
	handlers := newHandlers(svc, errWriter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	s := &Server{
		router:     router,
		httpServer: httpServer,
		handlers:   handlers,
		health:     hc,
		metrics:    m,
		log:        log,
		cfg:        cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		Recovery(s.log),
		RequestID,
		Logging(s.log),
	}
	if s.metrics != nil {
		chain = append(chain, s.metrics.HTTPMiddleware)
	}
	if s.cfg.RateLimiter.Enabled {
		rl := NewRateLimiter(s.cfg.RateLimiter.RequestsPerSecond, s.cfg.RateLimiter.BurstSize, s.log)
		chain = append(chain, rl.Limit)
	}
	s.router.Use(Chain(chain...))

	s.router.HandleFunc("/health", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.health.ReadinessHandler).Methods(http.MethodGet)

	s.router.HandleFunc("/stats", s.handlers.Stats).Methods(http.MethodGet)
	s.router.HandleFunc("/spawn", s.handlers.Spawn).Methods(http.MethodGet)
	s.router.HandleFunc("/spawns", s.handlers.Spawns).Methods(http.MethodGet)
	s.router.HandleFunc("/check", s.handlers.Check).Methods(http.MethodPost)
	s.router.HandleFunc("/checks", s.handlers.Checks).Methods(http.MethodPost)
	s.router.HandleFunc("/pick", s.handlers.Pick).Methods(http.MethodGet)
	s.router.HandleFunc("/picks", s.handlers.Picks).Methods(http.MethodGet)
	s.router.HandleFunc("/report", s.handlers.Report).Methods(http.MethodPost)
	s.router.HandleFunc("/reports", s.handlers.Reports).Methods(http.MethodPost)
	s.router.HandleFunc("/save", s.handlers.Save).Methods(http.MethodPost)
	s.router.HandleFunc("/flush", s.handlers.Flush).Methods(http.MethodPost)

	errWriter := newErrorWriter(s.log)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errWriter.writeMalformed(w, r, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errWriter.writeMalformed(w, r, "method not allowed")
	})
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.log.Infow("starting RPC surface", "port", s.cfg.Server.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rpc surface: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down RPC surface")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
