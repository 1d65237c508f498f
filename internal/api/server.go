package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/phone"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Phone is the call controller surface the API drives.
type Phone interface {
	Snapshot() phone.Snapshot
	Session() *phone.CallSession
	Subscribe() (<-chan phone.Event, func())

	Dial(target string) error
	AcceptCall() error
	RejectCall() error
	EndCall() error
	BlindTransfer(target string) error
	AttendedTransferDial(target string) error
	CompleteAttendedTransfer() error
	CancelAttendedTransfer() error
	ToggleMute() error
	ToggleHold() error
	ToggleSpeaker() error
}

// Options configures the HTTP API.
type Options struct {
	// PasswordHash is the argon2id hash of the API password. When empty,
	// login is disabled and every route is open.
	PasswordHash string
	JWTSecret    []byte
	CORSOrigins  []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Version string
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	phone  Phone
	calls  database.CallHistoryRepository
	opts   Options
	logger *slog.Logger
	start  time.Time

	guard        *auth.LoginGuard
	limiter      *middleware.IPRateLimiter
	loginLimiter *middleware.IPRateLimiter
	// heartbeat is the idle interval between SSE keep-alive comments.
	heartbeat time.Duration
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(p Phone, calls database.CallHistoryRepository, opts Options, logger *slog.Logger) *Server {
	logger = logger.With("subsystem", "api")
	s := &Server{
		router:       chi.NewRouter(),
		phone:        p,
		calls:        calls,
		opts:         opts,
		logger:       logger,
		start:        time.Now(),
		guard:        auth.NewLoginGuard(logger),
		limiter:      middleware.NewIPRateLimiter(middleware.ControlRateLimitConfig(), logger),
		loginLimiter: middleware.NewIPRateLimiter(middleware.LoginRateLimitConfig(), logger),
		heartbeat:    15 * time.Second,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background cleanup goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
	s.loginLimiter.Stop()
}

// CleanupGuard drops expired login failure state. It is called periodically
// by the owner of the server.
func (s *Server) CleanupGuard() {
	s.guard.Cleanup()
}

func (s *Server) loginEnabled() bool {
	return s.opts.PasswordHash != ""
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(s.opts.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			if s.loginEnabled() {
				r.Use(middleware.RequireToken(s.opts.JWTSecret, s.logger))
			}
			r.Use(middleware.RateLimit(s.limiter))

			r.Route("/phone", func(r chi.Router) {
				r.Get("/", s.handleGetPhone)
				r.Get("/events", s.handlePhoneEvents)

				r.Post("/dial", s.handleDial)
				r.Post("/accept", s.intent(s.phone.AcceptCall))
				r.Post("/reject", s.intent(s.phone.RejectCall))
				r.Post("/hangup", s.intent(s.phone.EndCall))
				r.Post("/mute", s.intent(s.phone.ToggleMute))
				r.Post("/hold", s.intent(s.phone.ToggleHold))
				r.Post("/speaker", s.intent(s.phone.ToggleSpeaker))

				r.Route("/transfer", func(r chi.Router) {
					r.Post("/blind", s.handleBlindTransfer)
					r.Post("/attended", s.handleAttendedTransfer)
					r.Post("/complete", s.intent(s.phone.CompleteAttendedTransfer))
					r.Post("/cancel", s.intent(s.phone.CancelAttendedTransfer))
				})
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Get("/{id}", s.handleGetCall)
			})
		})
	})
}

type healthResponse struct {
	Status        string                  `json:"status"`
	Version       string                  `json:"version,omitempty"`
	Registration  phone.RegistrationState `json:"registration"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	LoginRequired bool                    `json:"login_required"`
}

// handleHealth reports liveness and the line registration state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.phone.Snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.opts.Version,
		Registration:  snap.Registration,
		UptimeSeconds: int64(time.Since(s.start).Seconds()),
		LoginRequired: s.loginEnabled(),
	})
}
