// Package httpapi is the orchestrator's HTTP/WS front door: it upgrades the
// client-facing session channel, and mounts the ambient ops surface
// (/healthz, /metrics) alongside it. Grounded on the teacher's
// internal/api/handler.go route registration and cmd/boxed-server/main.go's
// echo.New() setup.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gorilla/websocket"

	"github.com/kestrelrun/testforge/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // origin is not checked on upgrade; the CORS middleware below only sets response headers
}

// Server mounts the orchestrator's HTTP surface on an echo.Echo instance.
type Server struct {
	controller *session.Controller
}

// New creates a Server delegating session connections to controller.
func New(controller *session.Controller) *Server {
	return &Server{controller: controller}
}

// RegisterRoutes mounts /v1/session, /healthz, and /metrics on e. corsOrigins
// configures the client-facing group's allowed origins; an empty list allows
// all origins (CLI/SDK direct connections with no browser Origin header).
func (s *Server) RegisterRoutes(e *echo.Echo, corsOrigins []string) {
	v1 := e.Group("/v1")
	if len(corsOrigins) > 0 {
		v1.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: corsOrigins}))
	}
	v1.GET("/session", s.handleSession)

	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.controller.Serve(c.Request().Context(), conn)
	return nil
}
