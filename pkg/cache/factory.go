package cache

import (
	"context"

	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/logging"
	"go.uber.org/zap"
)

// NewSharedCache creates the cache shared by snapshots, digest and metadata lookups
// Uses Redis when the backend is "redis" and reachable, in-memory otherwise
func NewSharedCache(ctx context.Context, cfg config.CacheConfig) Cache {
	if cfg.Backend == "redis" {
		redisCache, err := NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logging.Logger.Warn("Failed to create redis cache, falling back to memory cache",
				zap.String("addr", cfg.RedisAddr),
				zap.Error(err))
			return NewMemoryCache()
		}
		logging.Logger.Info("Initialized redis cache",
			zap.String("addr", cfg.RedisAddr))
		return redisCache
	}

	logging.Logger.Info("Initialized in-memory cache")
	return NewMemoryCache()
}
