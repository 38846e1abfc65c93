// Package web is the HTTP control surface: a JSON API over the
// orchestrator and a Server-Sent Events stream of each pipeline's log.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/config"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
)

// Pipelines is the orchestrator surface the server drives.
// *orchestrator.Orchestrator implements it.
type Pipelines interface {
	Create(prompt, targetPath string) (*pipeline.Pipeline, error)
	Get(id string) (*pipeline.Pipeline, error)
	List() []pipeline.Summary
	Pause(id string) error
	Abort(id string) error
	Resume(id string) error
	Go(id string) error
	SubmitInput(id, answer string) error
	Subscribe(id string, h pipeline.Handler) func()
	ClearAll() int
}

// DefaultKeepAlive is how often an idle event stream sends a comment.
const DefaultKeepAlive = 15 * time.Second

// Server serves the API.
type Server struct {
	echo      *echo.Echo
	pipelines Pipelines
	log       *zap.Logger
	cfg       config.ServerConfig
	keepAlive time.Duration
}

// NewServer creates a Server. metrics may be nil.
func NewServer(pipelines Pipelines, metrics http.Handler, log *zap.Logger, cfg config.ServerConfig) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("web")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware("factory-http")))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, pipelines: pipelines, log: log, cfg: cfg, keepAlive: DefaultKeepAlive}
	s.registerRoutes(metrics)
	return s
}

func (s *Server) registerRoutes(metrics http.Handler) {
	s.echo.GET("/health", s.handleHealth)
	if metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics))
	}

	api := s.echo.Group("/api/pipelines")
	api.GET("", s.handleList)
	api.POST("", s.handleCreate)
	api.DELETE("", s.handleClear)
	api.GET("/:id", s.handleGet)
	api.POST("/:id/pause", s.control(s.pipelines.Pause))
	api.POST("/:id/abort", s.control(s.pipelines.Abort))
	api.POST("/:id/resume", s.control(s.pipelines.Resume))
	api.POST("/:id/go", s.control(s.pipelines.Go))
	api.POST("/:id/input", s.handleInput)
	api.GET("/:id/events", s.handleEvents)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := s.cfg.Addr()
	s.log.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// errorHandler renders errors as ErrorResponse.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{Error: msg})
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}
