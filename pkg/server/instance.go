package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lissto-dev/fleet/pkg/cache"
	"github.com/lissto-dev/fleet/pkg/logging"
)

const (
	instanceIDKey = "instance-id"
)

// GetOrCreateInstanceID returns the configured instance ID, or the one kept
// in the shared cache, generating and storing a new one on first start.
// With a Redis cache the ID survives restarts.
func GetOrCreateInstanceID(ctx context.Context, c cache.Cache, configured string) (string, error) {
	if configured != "" {
		logging.Logger.Info("Using configured instance ID", zap.String("id", configured))
		return configured, nil
	}

	var instanceID string
	err := c.Get(ctx, instanceIDKey, &instanceID)
	if err == nil && instanceID != "" {
		logging.Logger.Info("Loaded existing instance ID", zap.String("id", instanceID))
		return instanceID, nil
	}
	if err != nil && !cache.IsMiss(err) {
		return "", fmt.Errorf("failed to read instance ID: %w", err)
	}

	// Generate new instance ID
	instanceID = uuid.New().String()
	logging.Logger.Info("Generated new instance ID", zap.String("id", instanceID))

	if err := c.Set(ctx, instanceIDKey, instanceID, cache.NoExpiry); err != nil {
		return "", fmt.Errorf("failed to save instance ID: %w", err)
	}
	return instanceID, nil
}
