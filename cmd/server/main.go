package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lissto-dev/fleet/internal/api/common"
	internalMiddleware "github.com/lissto-dev/fleet/internal/middleware"
	"github.com/lissto-dev/fleet/internal/server"
	"github.com/lissto-dev/fleet/pkg/aggregator"
	"github.com/lissto-dev/fleet/pkg/cache"
	"github.com/lissto-dev/fleet/pkg/collector"
	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/logging"
	"github.com/lissto-dev/fleet/pkg/metadata"
	"github.com/lissto-dev/fleet/pkg/metrics"
	"github.com/lissto-dev/fleet/pkg/registry"
	"github.com/lissto-dev/fleet/pkg/response"
	"github.com/lissto-dev/fleet/pkg/runtime"
	pkgServer "github.com/lissto-dev/fleet/pkg/server"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildTime=..."
var (
	version   = "dev"
	buildTime = "unknown"
)

// outboundTimeout bounds any single registry, hub or CDN request
const outboundTimeout = 15 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config-path", "config.local.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s", configPath)

	// Initialize structured logging
	if err := logging.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		logging.Logger.Fatal("Failed to initialize logging", zap.Error(err))
	}
	defer func() { _ = logging.Logger.Sync() }()
	logging.Logger.Info("Structured logging initialized",
		zap.String("level", cfg.Logging.Level),
		zap.String("format", cfg.Logging.Format))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sharedCache := cache.NewSharedCache(ctx, cfg.Cache)

	instanceID, err := pkgServer.GetOrCreateInstanceID(ctx, sharedCache, cfg.Server.InstanceID)
	if err != nil {
		logging.Logger.Fatal("Failed to get or create instance ID", zap.Error(err))
	}

	metrics.Register()

	httpClient := &http.Client{Timeout: outboundTimeout}
	pool := runtime.NewDockerPool()
	agg := aggregator.New(
		cfg.Sources,
		collector.New(pool, cfg.Collector.Timeout),
		metadata.NewResolver(cfg.Metadata, sharedCache, httpClient),
		registry.NewResolver(cfg.Registry, sharedCache, httpClient),
		aggregator.NewStore(sharedCache, cfg.Cache.SnapshotTTL),
	).WithMetadataBudget(cfg.Metadata.Budget)
	logging.Logger.Info("Aggregator initialized",
		zap.Int("sources", len(cfg.Sources)),
		zap.String("cache", cfg.Cache.Backend))

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Validator = common.NewValidator()
	e.HTTPErrorHandler = response.HTTPErrorHandler

	e.Use(internalMiddleware.LoggerMiddleware())
	e.Use(internalMiddleware.RecoverMiddleware())
	e.Use(internalMiddleware.CORSMiddleware())
	e.Use(internalMiddleware.MetricsMiddleware())
	e.Use(internalMiddleware.InstanceIDMiddleware(instanceID))

	srv := server.New(e, cfg, agg, instanceID, &server.VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GoVersion: goruntime.Version(),
	})
	logging.Logger.Info("Server initialized")

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger.Fatal("Server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Logger.Info("Shutting down")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logging.Logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	if err := pool.Close(); err != nil {
		logging.Logger.Warn("Failed to close runtime clients", zap.Error(err))
	}
	if err := cache.Close(sharedCache); err != nil {
		logging.Logger.Warn("Failed to close cache", zap.Error(err))
	}
}
