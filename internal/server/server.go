package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lissto-dev/fleet/internal/api/dashboard"
	"github.com/lissto-dev/fleet/internal/middleware"
	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/logging"
)

// VersionInfo contains build version information
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// Server represents the API server
type Server struct {
	echo        *echo.Echo
	config      *config.Config
	instanceID  string
	versionInfo *VersionInfo
}

// New creates a new API server instance and registers its routes
func New(
	e *echo.Echo,
	cfg *config.Config,
	service dashboard.Service,
	instanceID string, // instance ID for verification
	versionInfo *VersionInfo, // version information for /version endpoint
) *Server {
	srv := &Server{
		echo:        e,
		config:      cfg,
		instanceID:  instanceID,
		versionInfo: versionInfo,
	}

	dashboardHandler := dashboard.NewHandler(service)

	api := e.Group("/api/v1")
	api.Use(middleware.VersionMiddleware(versionInfo.Version))
	dashboard.RegisterRoutes(api.Group("/dashboard"), dashboardHandler)

	// Health check for load balancers and probes.
	// Supports ?info=true to return the public URL and instance ID.
	e.GET("/health", srv.handleHealth)
	e.GET("/version", srv.handleVersion)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return srv
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c echo.Context) error {
	if c.QueryParam("info") == "true" {
		info := map[string]interface{}{
			"public_url":  s.config.Server.PublicURL,
			"instance_id": s.instanceID,
			"sources":     len(s.config.Sources),
		}
		return c.JSON(http.StatusOK, info)
	}
	return c.NoContent(http.StatusOK)
}

// handleVersion returns build version information
func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, s.versionInfo)
}

// Start starts the API server; it returns http.ErrServerClosed after Shutdown
func (s *Server) Start() error {
	port := ":" + s.config.Server.Port
	logging.Logger.Info("Starting server", zap.String("port", port))
	return s.echo.Start(port)
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
