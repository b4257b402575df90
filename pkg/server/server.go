// Package server exposes the orchestrator over HTTP: session CRUD, the
// live event stream, answer submission and read access to shared memory.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fieldwork-ai/fieldwork/pkg/runtime"
)

// Server wraps the echo engine around one orchestrator.
type Server struct {
	e    *echo.Echo
	orch *runtime.Orchestrator
}

// New builds the server and registers all routes.
func New(orch *runtime.Orchestrator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{e: e, orch: orch}

	e.GET("/api/ping", s.ping)
	e.POST("/api/sessions", s.createSession)
	e.GET("/api/sessions", s.listSessions)
	e.GET("/api/sessions/:id", s.getSession)
	e.DELETE("/api/sessions/:id", s.deleteSession)
	e.POST("/api/sessions/:id/start", s.startSession)
	e.POST("/api/sessions/:id/answers", s.submitAnswers)
	e.GET("/api/sessions/:id/plan", s.getPlan)
	e.GET("/api/sessions/:id/notes", s.getNotes)
	e.GET("/api/sessions/:id/draft", s.getDraft)
	e.GET("/api/sessions/:id/questions", s.getQuestions)

	return s
}

// Handler exposes the HTTP handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	slog.Info("HTTP server listening", "addr", addr)
	err := s.e.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
