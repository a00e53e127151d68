// Package web wires the echo server: middleware, routes, handlers.
package web

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"brandsight.systems/adscope/cmd/web/handlers/api/cache_api"
	"brandsight.systems/adscope/cmd/web/handlers/api/job_api"
	"brandsight.systems/adscope/internal/db"
)

type Webserver struct {
	*echo.Echo
	dbc *db.DatabaseConnection
}

func NewWebserver(dbc *db.DatabaseConnection) (*Webserver, error) {
	s := &Webserver{
		Echo: echo.New(),
		dbc:  dbc,
	}
	s.registerRoutes()
	s.setupMiddleware()
	return s, nil
}

func (s *Webserver) registerRoutes() {
	s.GET("/healthz", func(c echo.Context) error {
		return c.String(200, "ok")
	})

	api := s.Group("/api")
	api.POST("/jobs", job_api.HandleCreate(s.dbc))
	api.GET("/jobs/:id", job_api.HandleStatus(s.dbc))
	api.GET("/cache/stats", cache_api.HandleStats(s.dbc))
}

func (s *Webserver) setupMiddleware() {
	s.HideBanner = true
	s.HidePort = true
	s.Use(middleware.BodyLimit("64K"))
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	s.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  false,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			slog.Info("request", fields...)
			return nil
		},
	}))
}
