package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callsift/callsift/internal/api/middleware"
	"github.com/callsift/callsift/internal/config"
	"github.com/callsift/callsift/internal/database"
	"github.com/callsift/callsift/internal/engine"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	calls   database.CallRepository
	machine *engine.Machine
	cfg     *config.Config
	logger  *slog.Logger
	started time.Time

	apiLimiter  *middleware.IPRateLimiter
	dialLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(calls database.CallRepository, machine *engine.Machine, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		calls:       calls,
		machine:     machine,
		cfg:         cfg,
		logger:      logger.With("component", "api"),
		started:     time.Now().UTC(),
		apiLimiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		dialLimiter: middleware.NewIPRateLimiter(middleware.DialRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.dialLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Placing calls is the expensive path; it gets the strict limiter.
	r.With(middleware.RateLimit(s.dialLimiter)).Post("/dial", s.handleDial)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{id}", s.handleGetCall)
	})

	// Provider callbacks are never rate limited: dropping one loses a
	// state transition.
	r.Post("/provider/events", s.handleProviderEvent)
	r.Post("/provider/voice", s.handleProviderVoice)
	r.Post("/provider/audio", s.handleProviderAudio)
}

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	UptimeSec int64  `json:"uptime_sec"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.started).Seconds()),
	})
}
