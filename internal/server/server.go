// Package server hosts the HTTP surface of the realtime broadcaster:
// the WebSocket upgrade endpoint, the admin publish endpoint for
// out-of-process publishers, the polling fallback read endpoint, and
// the operational endpoints (stats, health, metrics).
package server

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/config"
	"github.com/IdrisKulubi/buzzvar-realtime/internal/history"
	"github.com/IdrisKulubi/buzzvar-realtime/internal/realtime"
)

type Server struct {
	echo    *echo.Echo
	config  *config.Config
	bus     *realtime.Bus
	history history.Store
}

func NewServer(cfg *config.Config, bus *realtime.Bus, hist history.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:    e,
		config:  cfg,
		bus:     bus,
		history: hist,
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
