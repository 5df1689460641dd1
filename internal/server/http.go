// Package server hosts the monitored application behind an echo reverse
// proxy and exposes the record read API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geomonitor/internal/auditlog"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	UpstreamURL     string // Application proxied behind the monitor
	APIKey          string // Optional: bearer key for the record read API
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	Monitor         auditlog.MiddlewareConfig
}

// New creates the HTTP server. Every request that is not a local route is
// proxied to the upstream through the monitor middleware.
func New(records Records, cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server config is required")
	}
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", cfg.UpstreamURL)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(records)

	// Global middleware stack
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		metricsPath := "/metrics"
		if cfg.MetricsEndpoint != "" {
			metricsPath = path.Clean("/" + cfg.MetricsEndpoint)
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// Record read API
	api := e.Group("/monitor", AuthMiddleware(cfg.APIKey))
	api.GET("/requests/:id", handler.GetRequest)
	api.GET("/requests/:id/body/:kind", handler.GetBody)

	// Everything else goes upstream
	proxy := middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: upstream}}),
	})
	e.Any("/*", handler.Unrouted, auditlog.Middleware(records, cfg.Monitor), proxy)

	return &Server{
		echo:    e,
		handler: handler,
	}, nil
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
