package cache

import (
	"context"
	"time"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

const routeKeyPrefix = "route:"

// PathStore stores computed route paths by waypoint signature
type PathStore interface {
	GetPath(ctx context.Context, key string) ([]geo.Point, bool, error)
	SetPath(ctx context.Context, key string, path []geo.Point) error
}

// RouteStore makes the in-memory Cache usable as a PathStore
type RouteStore struct {
	cache *Cache
	ttl   time.Duration
}

// NewRouteStore creates a PathStore backed by cache. Entries live for ttl;
// zero keeps them for the lifetime of the process.
func NewRouteStore(cache *Cache, ttl time.Duration) *RouteStore {
	return &RouteStore{cache: cache, ttl: ttl}
}

// GetPath implements PathStore
func (s *RouteStore) GetPath(ctx context.Context, key string) ([]geo.Point, bool, error) {
	var path []geo.Point
	found, err := s.cache.Get(routeKeyPrefix+key, &path)
	if err != nil || !found {
		return nil, false, err
	}
	return path, true, nil
}

// SetPath implements PathStore
func (s *RouteStore) SetPath(ctx context.Context, key string, path []geo.Point) error {
	return s.cache.Set(routeKeyPrefix+key, path, s.ttl, "routing")
}
