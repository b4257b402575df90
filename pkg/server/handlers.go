package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fieldwork-ai/fieldwork/pkg/api"
	"github.com/fieldwork-ai/fieldwork/pkg/hitl"
	"github.com/fieldwork-ai/fieldwork/pkg/memory"
	"github.com/fieldwork-ai/fieldwork/pkg/runtime"
	"github.com/fieldwork-ai/fieldwork/pkg/session"
)

// keepaliveInterval spaces SSE comments so idle streams survive proxies.
const keepaliveInterval = 15 * time.Second

func (s *Server) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createSession(c echo.Context) error {
	var req api.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	sess, err := s.orch.CreateSession(c.Request().Context(), req.Query, req.Context)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}
	return c.JSON(http.StatusCreated, sess.Snapshot())
}

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.orch.ListSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	resp := api.SessionsResponse{Sessions: make([]session.Snapshot, 0, len(sessions))}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, sess.Snapshot())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.orch.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.orch.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// startSession launches the workflow and streams its events as SSE until
// the session reaches a terminal state or the client disconnects.
func (s *Server) startSession(c echo.Context) error {
	id := c.Param("id")

	// The subscription comes back from StartSession already attached, so
	// the stream carries the run's very first events.
	events, cancel, err := s.orch.StartSession(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrSessionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		case errors.Is(err, runtime.ErrAlreadyStarted):
			return echo.NewHTTPError(http.StatusConflict, "session already started")
		case errors.Is(err, session.ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to start session")
		}
	}
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-keepalive.C:
			fmt.Fprint(resp, ": keepalive\n\n")
			resp.Flush()
		case env, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", env.Kind, data)
			resp.Flush()
		}
	}
}

func (s *Server) submitAnswers(c echo.Context) error {
	var req api.AnswersRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Answers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "answers are required")
	}

	answered, err := s.orch.SubmitAnswers(c.Request().Context(), c.Param("id"), req.Answers)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrSessionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		case errors.Is(err, memory.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, memory.ErrQuestionAnswered):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, memory.ErrEmptyAnswer):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, memory.ErrIsolation):
			return echo.NewHTTPError(http.StatusForbidden, "not authorized for this session")
		case errors.Is(err, hitl.ErrCheckpointCorrupted):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit answers")
		}
	}
	return c.JSON(http.StatusOK, api.AnswersResponse{Answered: answered})
}

func (s *Server) getPlan(c echo.Context) error {
	tasks, err := s.orch.Plan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return memoryReadError(err)
	}
	return c.JSON(http.StatusOK, api.PlanResponse{Tasks: tasks})
}

func (s *Server) getNotes(c echo.Context) error {
	notes, err := s.orch.Notes(c.Request().Context(), c.Param("id"))
	if err != nil {
		return memoryReadError(err)
	}
	return c.JSON(http.StatusOK, api.NotesResponse{Notes: notes})
}

func (s *Server) getDraft(c echo.Context) error {
	sections, err := s.orch.Draft(c.Request().Context(), c.Param("id"))
	if err != nil {
		return memoryReadError(err)
	}
	return c.JSON(http.StatusOK, api.DraftResponse{Sections: sections})
}

func (s *Server) getQuestions(c echo.Context) error {
	questions, err := s.orch.PendingQuestions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return memoryReadError(err)
	}
	return c.JSON(http.StatusOK, api.QuestionsResponse{Questions: questions})
}

func memoryReadError(err error) error {
	switch {
	case errors.Is(err, runtime.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, memory.ErrIsolation):
		return echo.NewHTTPError(http.StatusForbidden, "not authorized for this session")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read shared memory")
	}
}
