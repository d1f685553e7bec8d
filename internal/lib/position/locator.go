package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// FeedLocator is a Locator fed by pushes from the device, typically over
// HTTP. Watchers receive the most recent fix; a slow watcher only ever sees
// the latest one.
type FeedLocator struct {
	mu       sync.Mutex
	latest   *Fix
	disabled error
	watchers map[*feedWatcher]struct{}
	now      func() time.Time
}

type feedWatcher struct {
	fixes chan Fix
	errs  chan error
}

// NewFeedLocator creates an empty feed
func NewFeedLocator() *FeedLocator {
	return &FeedLocator{
		watchers: make(map[*feedWatcher]struct{}),
		now:      time.Now,
	}
}

// Push records fix and forwards it to every watcher. Pushes after Disable
// are ignored.
func (l *FeedLocator) Push(fix Fix) {
	if fix.Timestamp.IsZero() {
		fix.Timestamp = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled != nil {
		return
	}
	l.latest = &fix
	for w := range l.watchers {
		sendLatest(w.fixes, fix)
	}
}

// Disable marks the feed permanently unavailable, e.g. the device reported
// that location permission was revoked. Watchers receive the error.
func (l *FeedLocator) Disable(reason error) {
	err := fmt.Errorf("%w: %v", ErrUnavailable, reason)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled != nil {
		return
	}
	l.disabled = err
	for w := range l.watchers {
		select {
		case w.errs <- err:
		default:
		}
	}
}

// Watch implements Locator
func (l *FeedLocator) Watch(ctx context.Context, _ Options) (<-chan Fix, <-chan error, error) {
	l.mu.Lock()
	if l.disabled != nil {
		err := l.disabled
		l.mu.Unlock()
		return nil, nil, err
	}
	w := &feedWatcher{
		fixes: make(chan Fix, 1),
		errs:  make(chan error, 1),
	}
	l.watchers[w] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.watchers, w)
		close(w.fixes)
		close(w.errs)
		l.mu.Unlock()
	}()

	return w.fixes, w.errs, nil
}

// Current implements Locator. The latest push is returned if it is no
// older than opts.Timeout (any age when Timeout is zero).
func (l *FeedLocator) Current(_ context.Context, opts Options) (Fix, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled != nil {
		return Fix{}, l.disabled
	}
	if l.latest == nil {
		return Fix{}, ErrNoFix
	}
	if opts.Timeout > 0 && l.now().Sub(l.latest.Timestamp) > opts.Timeout {
		return Fix{}, ErrNoFix
	}
	return *l.latest, nil
}

// sendLatest replaces any unread fix with fix
func sendLatest(ch chan Fix, fix Fix) {
	select {
	case ch <- fix:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- fix:
	default:
	}
}

// PositionReader reads a vehicle's last reported coordinates
type PositionReader interface {
	CurrentPosition(ctx context.Context) (geo.Point, error)
}

// PositionReaderFunc adapts a function to PositionReader
type PositionReaderFunc func(ctx context.Context) (geo.Point, error)

// CurrentPosition implements PositionReader
func (f PositionReaderFunc) CurrentPosition(ctx context.Context) (geo.Point, error) {
	return f(ctx)
}

// BackendLocator polls coordinates that another party (the device) keeps
// on the vehicle record. Coordinates of 0,0 mean the vehicle has not
// reported yet.
type BackendLocator struct {
	reader   PositionReader
	interval time.Duration
}

// NewBackendLocator creates a locator polling reader every interval
func NewBackendLocator(reader PositionReader, interval time.Duration) *BackendLocator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &BackendLocator{reader: reader, interval: interval}
}

// Watch implements Locator
func (l *BackendLocator) Watch(ctx context.Context, opts Options) (<-chan Fix, <-chan error, error) {
	fixes := make(chan Fix, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(fixes)
		defer close(errs)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			fix, err := l.Current(ctx, opts)
			switch {
			case err == nil:
				sendLatest(fixes, fix)
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrNoFix):
			default:
				select {
				case errs <- err:
				default:
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return fixes, errs, nil
}

// Current implements Locator
func (l *BackendLocator) Current(ctx context.Context, _ Options) (Fix, error) {
	point, err := l.reader.CurrentPosition(ctx)
	if err != nil {
		return Fix{}, fmt.Errorf("failed to read vehicle position: %w", err)
	}
	if point.Latitude == 0 && point.Longitude == 0 {
		return Fix{}, ErrNoFix
	}
	return Fix{
		Latitude:  point.Latitude,
		Longitude: point.Longitude,
		Timestamp: time.Now(),
	}, nil
}
