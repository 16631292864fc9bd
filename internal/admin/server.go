// Package admin serves the HTTP control API. Reads go straight to the
// store; mutations are spooled through the client like any other.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tasksched/internal/task/client"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	client     *client.Client
	snapshot   func() scheduler.Snapshot
	log        logx.Logger
	token      string
}

// NewServer builds the API. snapshot may be nil when no dispatcher runs in
// this process.
func NewServer(addr, token string, c *client.Client, snapshot func() scheduler.Snapshot, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		client:   c,
		snapshot: snapshot,
		log:      log,
		token:    token,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.httpServer.Addr }

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.httpServer.Addr = ln.Addr().String()
	s.log.Info("admin api listening", logx.String("addr", s.httpServer.Addr), logx.Bool("auth", s.token != ""))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(sctx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// MountProfiler exposes net/http/pprof under /debug, behind the same token
// as the API.
func (s *Server) MountProfiler() {
	s.router.Group(func(r chi.Router) {
		if s.token != "" {
			r.Use(AuthMiddleware(s.token))
		}
		r.Mount("/debug", middleware.Profiler())
	})
}

func (s *Server) registerRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		if s.token != "" {
			r.Use(AuthMiddleware(s.token))
		}

		r.Get("/status", s.handleStatus)
		r.Post("/shutdown", s.handleShutdown)

		r.Route("/spool", func(r chi.Router) {
			r.Get("/", s.handleSpool)
			r.Delete("/", s.handleClearSpool)
		})
		r.Get("/failed", s.handleFailed)
		r.Get("/finished", s.handleFinished)
		r.Get("/waiting", s.handleWaiting)
		r.Get("/running", s.handleRunning)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Get("/occurrences", s.handleOccurrences)
				r.Post("/move", s.handleMoveTask)
				r.Post("/retry", s.handleRetryTask)
			})
		})
	})
}
