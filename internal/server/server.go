package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/me/contestd/internal/auth"
	"github.com/me/contestd/internal/config"
	"github.com/me/contestd/internal/intake"
	"github.com/me/contestd/internal/registry"
	"github.com/me/contestd/internal/scheduler"
	"github.com/me/contestd/internal/store"
	"github.com/me/contestd/internal/taskpool"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Store     store.Store
	Pool      *taskpool.Pool
	Registry  *registry.Registry
	Scheduler scheduler.Scheduler // nil disables the admin tick endpoint
	Intake    *intake.Intake
	Auth      *auth.Authenticator
}

// Server is the contest REST and WebSocket API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	upgrader  websocket.Upgrader

	store     store.Store
	pool      *taskpool.Pool
	registry  *registry.Registry
	scheduler scheduler.Scheduler
	intake    *intake.Intake
	auth      *auth.Authenticator
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     deps.Store,
		pool:      deps.Pool,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		intake:    deps.Intake,
		auth:      deps.Auth,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes()
	return s
}

// StartScheduler begins the issuance loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Liveness probe outside the versioned API, for load balancers.
	r.Get("/health", s.handleHealth)

	// Team connection stream
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Teams and tokens
		r.Post("/teams", s.handleRegisterTeam)
		r.Post("/auth/token", s.handleIssueToken)

		// Contest state
		r.Get("/contest", s.handleContestStatus)
		r.Get("/task-format", s.handleTaskFormat)

		// Issued tasks
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
		})

		// Submissions (team token required)
		r.Route("/submissions", func(r chi.Router) {
			r.Use(teamAuthMiddleware(s.auth))
			r.Get("/", s.handleListSubmissions)
			r.Post("/", s.handleCreateSubmission)
		})

		// Admin (X-Admin-Key required)
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminMiddleware(s.config.Auth.AdminKey))
			r.Get("/teams", s.handleListTeams)
			r.Put("/teams/{name}/active", s.handleSetTeamActive)
			r.Post("/tick", s.handleForceTick)
		})
	})
}
