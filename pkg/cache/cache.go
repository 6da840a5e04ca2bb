package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// NoExpiry stores an entry that never expires
const NoExpiry time.Duration = 0

// Cache defines the interface for caching operations
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

// IsMiss reports whether err means the key is absent or expired
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheNotFound) || errors.Is(err, ErrCacheExpired)
}

// Close releases backend resources held by c, if it holds any
func Close(c Cache) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
