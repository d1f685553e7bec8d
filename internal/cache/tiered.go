package cache

import (
	"context"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// Tiered reads the local store first and falls back to the shared store,
// back-filling local hits. Writes go to both; shared-tier failures are
// logged and never fail the caller.
type Tiered struct {
	local  PathStore
	shared PathStore
}

// NewTiered combines a process-local and a shared PathStore
func NewTiered(local, shared PathStore) *Tiered {
	return &Tiered{local: local, shared: shared}
}

// GetPath implements PathStore
func (t *Tiered) GetPath(ctx context.Context, key string) ([]geo.Point, bool, error) {
	path, found, err := t.local.GetPath(ctx, key)
	if err == nil && found {
		return path, true, nil
	}

	path, found, err = t.shared.GetPath(ctx, key)
	if err != nil {
		logging.Warnw(logging.EnsureLogger(ctx), "Shared route cache read failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}

	if err := t.local.SetPath(ctx, key, path); err != nil {
		logging.Warnw(logging.EnsureLogger(ctx), "Failed to back-fill local route cache", "key", key, "error", err)
	}
	return path, true, nil
}

// SetPath implements PathStore
func (t *Tiered) SetPath(ctx context.Context, key string, path []geo.Point) error {
	if err := t.local.SetPath(ctx, key, path); err != nil {
		return err
	}
	if err := t.shared.SetPath(ctx, key, path); err != nil {
		logging.Warnw(logging.EnsureLogger(ctx), "Shared route cache write failed", "key", key, "error", err)
	}
	return nil
}
