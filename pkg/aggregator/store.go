package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lissto-dev/fleet/pkg/cache"
)

// ErrSnapshotNotFound is returned for unknown or expired snapshot IDs
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Store keeps snapshots addressable by ID for the deferred calls
type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStore creates a snapshot store on top of c
func NewStore(c cache.Cache, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

func snapshotKey(id string) string {
	return "snapshot:" + id
}

// Save stores snap, assigning an ID when it has none
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if err := s.cache.Set(ctx, snapshotKey(snap.ID), snap, s.ttl); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot stored under id
func (s *Store) Load(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	err := s.cache.Get(ctx, snapshotKey(id), &snap)
	if cache.IsMiss(err) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snap, nil
}
