package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Persistent connection endpoint
	s.echo.GET("/ws", s.handleWebSocket)

	// Collaborator-facing publish surface for out-of-process publishers
	s.echo.POST("/api/publish", s.handlePublish, publishLimit.middleware())

	// Polling fallback read endpoint and introspection. Degraded clients
	// pull every few seconds each, so the budget is per IP, not global.
	s.echo.GET("/api/poll", s.handlePoll, pollLimit.middleware())
	s.echo.GET("/api/stats", s.handleStats)
}
