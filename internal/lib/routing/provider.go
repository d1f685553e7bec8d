package routing

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dpup/prefab/logging"
	"golang.org/x/sync/singleflight"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// Provider resolves waypoint lists to route paths. Results are cached by
// waypoint key, concurrent lookups of the same key share one outbound
// request, and failed requests are retried per the RetryPolicy before
// falling back to the raw waypoints.
type Provider struct {
	router Router
	store  PathStore
	policy RetryPolicy
	group  singleflight.Group

	// timer drives retry delays; nil uses a real timer
	timer backoff.Timer
}

// NewProvider creates a route provider. The store may be shared by any
// number of sessions.
func NewProvider(router Router, store PathStore, policy RetryPolicy) *Provider {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Provider{
		router: router,
		store:  store,
		policy: policy,
	}
}

// Route returns the path for waypoints. Routing-service failures never
// produce an error: after the last attempt the waypoints themselves are
// returned with Degraded set. Errors are returned only for unusable input
// or when ctx is cancelled.
func (p *Provider) Route(ctx context.Context, waypoints Waypoints) (Result, error) {
	ctx = logging.EnsureLogger(ctx)
	valid := waypoints.Valid()
	if len(valid) < 2 {
		return Result{}, ErrTooFewWaypoints
	}
	key := valid.Key()

	if result, ok := p.cached(ctx, key); ok {
		return result, nil
	}

	for {
		v, err, shared := p.group.Do(key, func() (interface{}, error) {
			return p.resolve(ctx, key, valid)
		})
		if err == nil {
			result := v.(Result)
			if shared {
				logging.Debugw(ctx, "Joined in-flight route request", "key", key)
			}
			return result, nil
		}

		// The flight we joined belonged to a caller that went away; try again
		// with our own context if it is still live
		if isContextErr(err) && ctx.Err() == nil {
			continue
		}
		return Result{}, err
	}
}

func (p *Provider) cached(ctx context.Context, key string) (Result, bool) {
	path, found, err := p.store.GetPath(ctx, key)
	if err != nil {
		logging.Warnw(ctx, "Route cache read failed", "key", key, "error", err)
		return Result{}, false
	}
	if !found {
		return Result{}, false
	}
	return Result{Path: path, Cached: true}, true
}

// resolve runs inside the single flight for key
func (p *Provider) resolve(ctx context.Context, key string, waypoints Waypoints) (Result, error) {
	// A previous flight may have filled the cache after our miss
	if result, ok := p.cached(ctx, key); ok {
		return result, nil
	}

	attempts := 0
	var path []geo.Point
	operation := func() error {
		attempts++
		var err error
		path, err = p.router.Trip(ctx, waypoints)
		if err == nil && len(path) < 2 {
			err = errors.New("routing service returned fewer than 2 points")
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logging.Warnw(ctx, "Routing request failed, retrying",
			"attempt", attempts, "max_attempts", p.policy.MaxAttempts, "retry_in", wait, "error", err)
	}

	retries := uint64(p.policy.MaxAttempts - 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.policy.Delay), retries), ctx)

	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, p.timer); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		logging.Errorw(ctx, "Routing service unavailable, falling back to raw waypoints",
			"key", key, "attempts", attempts, "error", err)

		fallback := make(Path, len(waypoints))
		copy(fallback, waypoints)
		return Result{Path: fallback, Degraded: true}, nil
	}

	// Degraded fallbacks are never cached so the next session retries the service
	if err := p.store.SetPath(ctx, key, path); err != nil {
		logging.Warnw(ctx, "Failed to cache route", "key", key, "error", err)
	}

	logging.Infow(ctx, "Route resolved", "key", key, "points", len(path), "attempts", attempts)
	return Result{Path: Path(path)}, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
