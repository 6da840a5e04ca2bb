package dashboard

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lissto-dev/fleet/pkg/aggregator"
	"github.com/lissto-dev/fleet/pkg/logging"
	"github.com/lissto-dev/fleet/pkg/response"
)

// Service is the aggregation API the handlers serve
type Service interface {
	Aggregate(ctx context.Context) (*aggregator.Snapshot, error)
	BackfillVersions(ctx context.Context, snapshotID string, keys []string) (*aggregator.VersionBackfill, error)
	BackfillStats(ctx context.Context, snapshotID string) (*aggregator.UsageBackfill, error)
}

// Handler handles dashboard HTTP requests
type Handler struct {
	service Service
}

// NewHandler creates a new dashboard handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// GetDashboard handles GET /dashboard
func (h *Handler) GetDashboard(c echo.Context) error {
	snap, err := h.service.Aggregate(c.Request().Context())
	if err != nil {
		logging.Logger.Error("Failed to aggregate fleet", zap.Error(err))
		return response.InternalServerError(c, "Failed to build dashboard")
	}
	return c.JSON(200, snap)
}

// BackfillVersions handles POST /dashboard/versions
func (h *Handler) BackfillVersions(c echo.Context) error {
	var req VersionsRequest
	if msg := bindAndValidate(c, &req); msg != "" {
		return response.BadRequest(c, msg)
	}

	result, err := h.service.BackfillVersions(c.Request().Context(), req.SnapshotID, req.Keys)
	if err != nil {
		return snapshotError(c, req.SnapshotID, err)
	}
	return c.JSON(200, result)
}

// BackfillStats handles POST /dashboard/stats
func (h *Handler) BackfillStats(c echo.Context) error {
	var req StatsRequest
	if msg := bindAndValidate(c, &req); msg != "" {
		return response.BadRequest(c, msg)
	}

	result, err := h.service.BackfillStats(c.Request().Context(), req.SnapshotID)
	if err != nil {
		return snapshotError(c, req.SnapshotID, err)
	}
	return c.JSON(200, result)
}

// bindAndValidate returns the reason a request body is rejected, or ""
func bindAndValidate(c echo.Context, req interface{}) string {
	if err := c.Bind(req); err != nil {
		logging.Logger.Debug("Failed to bind request", zap.Error(err))
		return "Invalid request"
	}
	if err := c.Validate(req); err != nil {
		logging.Logger.Debug("Request validation failed", zap.Error(err))
		return err.Error()
	}
	return ""
}

func snapshotError(c echo.Context, snapshotID string, err error) error {
	if errors.Is(err, aggregator.ErrSnapshotNotFound) {
		return response.NotFound(c, "Snapshot not found or expired")
	}
	logging.Logger.Error("Failed to backfill snapshot",
		zap.String("snapshot_id", snapshotID),
		zap.Error(err))
	return response.InternalServerError(c, "Failed to update snapshot")
}
