// Package controlapi is the Control API: a read/control HTTP surface
// over the Orchestrator's Run State Snapshot, plus a WebSocket event
// stream for dashboards (spec.md's "control API", concretely bound).
package controlapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parallelctl/parallelctl/internal/config"
	apimiddleware "github.com/parallelctl/parallelctl/internal/controlapi/middleware"
	"github.com/parallelctl/parallelctl/internal/controlapi/websocket"
	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/pool"
	"github.com/parallelctl/parallelctl/internal/state"
	"github.com/parallelctl/parallelctl/internal/task"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the Control
// API depends on.
type Orchestrator interface {
	Snapshot() *state.Snapshot
	Tasks() []*task.Task
	Task(id string) (*task.Task, error)
	Workers() []*pool.Record
	Stop()
}

// Server is the Control API's HTTP/WebSocket surface over an
// Orchestrator.
type Server struct {
	router       *chi.Mux
	cfg          config.Config
	orchestrator Orchestrator
	hub          *websocket.Hub
	wsHandler    *websocket.Handler
	runFn        func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewServer builds a Server. runFn is called by POST /v1/run/start to
// launch the Orchestrator's main loop (it should block until the run
// ends, as *orchestrator.Orchestrator.Run does).
func NewServer(cfg config.Config, orch Orchestrator, hub *websocket.Hub, runFn func(ctx context.Context) error) *Server {
	s := &Server{
		cfg:          cfg,
		router:       chi.NewRouter(),
		orchestrator: orch,
		hub:          hub,
		wsHandler:    websocket.NewHandler(hub),
		runFn:        runFn,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(apimiddleware.Auth(s.cfg.Auth.Enabled, s.cfg.Auth.JWTSecret))

		r.Get("/status", s.handleStatus)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/workers", s.handleListWorkers)
		r.Post("/run/start", s.handleRunStart)
		r.Post("/run/stop", s.handleRunStop)
		r.Get("/events", s.wsHandler.ServeWS)
	})

	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}
}

// Router returns the chi router, e.g. for http.ListenAndServe.
func (s *Server) Router() *chi.Mux { return s.router }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// StartHub starts the websocket hub's dispatch loop.
func (s *Server) StartHub(ctx context.Context) { s.hub.Run(ctx) }

// StopHub stops the websocket hub.
func (s *Server) StopHub() { s.hub.Stop() }

// startRun launches runFn in a goroutine unless a run is already in
// progress, returning whether it actually started one.
func (s *Server) startRun() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		if err := s.runFn(ctx); err != nil {
			logger.WithComponent("controlapi").Warn().Err(err).Msg("run ended")
		}
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()
	return true
}

func requestLogger() func(http.Handler) http.Handler {
	log := logger.WithComponent("controlapi")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Msg("request")
		})
	}
}
