// Package web serves the mirror over HTTP: GET / and GET /get.jpg for
// readers, POST / for the single uploader.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/x11mirror/internal/admission"
	"github.com/JonMunkholm/x11mirror/internal/config"
	"github.com/JonMunkholm/x11mirror/internal/core"
	"github.com/JonMunkholm/x11mirror/internal/web/middleware"
)

// Server is the HTTP engine of the mirror.
type Server struct {
	cfg     *config.Config
	machine *core.Machine
	router  *chi.Mux
	server  *http.Server
	limiter *middleware.RateLimiter
	metrics http.Handler
	ctrl    *admission.Controller
	recent  RecentUploads
	logger  *slog.Logger

	mu          sync.Mutex
	closed      bool
	stopJanitor context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes h on the configured metrics path.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the server's base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server driving machine.
func NewServer(cfg *config.Config, machine *core.Machine, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		machine: machine,
		router:  chi.NewRouter(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Rate.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.Rate.RequestsPerMinute, cfg.Rate.Burst)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(s.securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, s.metrics)
	}
	if s.recent != nil && s.cfg.Metrics.Enabled && s.cfg.Metrics.StatusPath != "" {
		s.router.Get(s.cfg.Metrics.StatusPath, s.handleStatus)
	}

	s.router.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}

		r.Get("/", s.handleRead)
		r.Head("/", s.handleRead)
		r.Get(core.ArtifactPath, s.handleRead)
		r.Head(core.ArtifactPath, s.handleRead)
		r.Post("/", s.handleUpload)
	})

	s.router.NotFound(s.handleNotFound)
	s.router.MethodNotAllowed(s.handleBadMethod)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopJanitor = cancel
	if s.limiter != nil {
		s.limiter.StartJanitor(ctx)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		// Parked uploads may wait far longer than any fixed read timeout;
		// body reads are bounded per connection instead.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting server", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv, stop := s.server, s.stopJanitor
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		// Pages are static markup; the only resource is the mirrored image.
		if s.cfg.Security.EnableCSP {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src 'self'")
		}

		next.ServeHTTP(w, r)
	})
}
