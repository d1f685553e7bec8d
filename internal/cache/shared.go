package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// SharedRouteStore keeps route paths in Redis so several server instances
// resolve each waypoint list once
type SharedRouteStore struct {
	cache *gocache.Cache[string]
}

// NewSharedRouteStore creates a Redis-backed PathStore with the given expiration
func NewSharedRouteStore(client *redis.Client, ttl time.Duration) *SharedRouteStore {
	redisStore := redisstore.NewRedis(client, store.WithExpiration(ttl))

	return &SharedRouteStore{
		cache: gocache.New[string](redisStore),
	}
}

// GetPath implements PathStore. A missing key is a miss, not an error.
func (s *SharedRouteStore) GetPath(ctx context.Context, key string) ([]geo.Point, bool, error) {
	value, err := s.cache.Get(ctx, routeKeyPrefix+key)
	if err != nil {
		if errors.Is(err, store.NotFound{}) || errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read shared route: %w", err)
	}
	if value == "" {
		return nil, false, nil
	}

	var path []geo.Point
	if err := json.Unmarshal([]byte(value), &path); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal shared route: %w", err)
	}
	return path, true, nil
}

// SetPath implements PathStore
func (s *SharedRouteStore) SetPath(ctx context.Context, key string, path []geo.Point) error {
	data, err := json.Marshal(path)
	if err != nil {
		return fmt.Errorf("failed to marshal shared route: %w", err)
	}
	return s.cache.Set(ctx, routeKeyPrefix+key, string(data))
}
