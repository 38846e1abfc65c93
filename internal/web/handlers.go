package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lucasnoah/featurefactory/internal/orchestrator"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
)

// CreateRequest is the body of POST /api/pipelines.
type CreateRequest struct {
	Prompt     string `json:"prompt"`
	TargetPath string `json:"target_path"`
}

// InputRequest is the body of POST /api/pipelines/:id/input.
type InputRequest struct {
	Answer string `json:"answer"`
}

// ListResponse is the body of GET /api/pipelines.
type ListResponse struct {
	Pipelines []pipeline.Summary `json:"pipelines"`
	ActiveID  string             `json:"active_id,omitempty"`
}

// ControlResponse reports the pipeline status after a control request.
type ControlResponse struct {
	ID     string          `json:"id"`
	Status pipeline.Status `json:"status"`
}

// ClearResponse is the body of DELETE /api/pipelines.
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleList(c echo.Context) error {
	list := s.pipelines.List()
	if list == nil {
		list = []pipeline.Summary{}
	}
	resp := ListResponse{Pipelines: list}
	for _, p := range list {
		if p.IsActive {
			resp.ActiveID = p.ID
			break
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreate(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	p, err := s.pipelines.Create(req.Prompt, req.TargetPath)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

// handleClear stops every run and removes all pipelines.
func (s *Server) handleClear(c echo.Context) error {
	return c.JSON(http.StatusOK, ClearResponse{Cleared: s.pipelines.ClearAll()})
}

func (s *Server) handleGet(c echo.Context) error {
	p, err := s.pipelines.Get(c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// control adapts a pipeline control operation to a handler.
func (s *Server) control(op func(id string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if err := op(id); err != nil {
			return apiError(err)
		}
		return s.replyStatus(c, id)
	}
}

func (s *Server) handleInput(c echo.Context) error {
	var req InputRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Answer) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "answer is required")
	}
	id := c.Param("id")
	if err := s.pipelines.SubmitInput(id, req.Answer); err != nil {
		return apiError(err)
	}
	return s.replyStatus(c, id)
}

func (s *Server) replyStatus(c echo.Context, id string) error {
	p, err := s.pipelines.Get(id)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, ControlResponse{ID: p.ID, Status: p.Status})
}

// apiError maps orchestrator and store errors to HTTP errors.
func apiError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrConflict),
		errors.Is(err, orchestrator.ErrNotPaused),
		errors.Is(err, orchestrator.ErrRunning),
		errors.Is(err, pipeline.ErrTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
