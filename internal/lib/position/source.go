package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/sourcegraph/conc"

	"github.com/dpup/triptracker/server/internal/lib/lifecycle"
)

// Config controls sampling and filtering
type Config struct {
	// MaxAccuracy drops readings less accurate than this many meters
	MaxAccuracy float64

	// MinDisplacement drops readings closer than this to the last accepted one
	MinDisplacement float64

	// PollInterval is the backstop poll period used if the watch feed stalls
	PollInterval time.Duration

	// Timeout bounds the staleness of a reading
	Timeout time.Duration

	// SyncTimeout bounds each position-sync call
	SyncTimeout time.Duration
}

// Source merges a continuous watch feed and a backstop poll into a single
// stream of filtered samples
type Source struct {
	locator Locator
	syncer  Syncer
	cfg     Config
	filter  *Filter

	mu            sync.Mutex
	subscribers   []func(Sample)
	onUnavailable func(error)
	started       bool

	// emitMu serializes filtering and delivery across both feeds
	emitMu sync.Mutex

	unavailableOnce sync.Once
	registry        *lifecycle.Registry
	cancel          context.CancelFunc
	syncs           conc.WaitGroup
}

// NewSource creates a position source. syncer may be nil when another
// party owns the vehicle's position record.
func NewSource(locator Locator, syncer Syncer, cfg Config) *Source {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 10 * time.Second
	}
	return &Source{
		locator:  locator,
		syncer:   syncer,
		cfg:      cfg,
		filter:   NewFilter(cfg.MaxAccuracy, cfg.MinDisplacement),
		registry: lifecycle.NewRegistry(),
	}
}

// Subscribe registers fn to receive every accepted sample. Delivery is
// synchronous and ordered.
func (s *Source) Subscribe(fn func(Sample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// OnUnavailable registers fn to be told, once, that location is unavailable
func (s *Source) OnUnavailable(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnavailable = fn
}

// Last returns the last accepted sample
func (s *Source) Last() (Sample, bool) {
	return s.filter.Last()
}

// Start opens the watch subscription and the backstop poll. If the locator
// reports ErrUnavailable the unavailable handler fires and the error is
// returned; nothing is left running.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("position source already started")
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(logging.EnsureLogger(ctx))
	s.cancel = cancel
	s.registry.Add("source-context", cancel)

	opts := Options{
		HighAccuracy: true,
		MaximumAge:   0,
		Timeout:      s.cfg.Timeout,
	}

	fixes, errs, err := s.locator.Watch(ctx, opts)
	if err != nil {
		s.registry.Close()
		if errors.Is(err, ErrUnavailable) {
			s.reportUnavailable(ctx, err)
		}
		return fmt.Errorf("failed to watch position: %w", err)
	}

	done := make(chan struct{})
	s.registry.Add("watch", func() {
		cancel()
		<-done
	})
	go func() {
		defer close(done)
		s.watchLoop(ctx, fixes, errs)
	}()

	if s.cfg.PollInterval > 0 {
		s.registry.Ticker(ctx, "backstop-poll", s.cfg.PollInterval, func(ctx context.Context) {
			s.poll(ctx, opts)
		})
	}

	logging.Infow(ctx, "Position source started",
		"poll_interval", s.cfg.PollInterval, "max_accuracy", s.cfg.MaxAccuracy)
	return nil
}

// Stop cancels the watch subscription and poll, then waits for in-flight
// position syncs to finish
func (s *Source) Stop() {
	s.registry.Close()
	if recovered := s.syncs.WaitAndRecover(); recovered != nil {
		logging.Errorw(logging.EnsureLogger(context.Background()), "Position sync panicked", "error", recovered.String())
	}
}

func (s *Source) watchLoop(ctx context.Context, fixes <-chan Fix, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				// The backstop poll keeps the source alive
				logging.Warnw(ctx, "Position watch feed closed")
				fixes = nil
				continue
			}
			s.emit(ctx, fix)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errors.Is(err, ErrUnavailable) {
				s.reportUnavailable(ctx, err)
				return
			}
			logging.Warnw(ctx, "Position watch error", "error", err)
		}
	}
}

func (s *Source) poll(ctx context.Context, opts Options) {
	pollCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	fix, err := s.locator.Current(pollCtx, opts)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			s.reportUnavailable(ctx, err)
			return
		}
		logging.Debugw(ctx, "Backstop position poll failed", "error", err)
		return
	}
	s.emit(ctx, fix)
}

// emit filters fix and, when accepted, delivers it to subscribers and
// starts a fire-and-forget position sync. It reports whether the fix was
// accepted.
func (s *Source) emit(ctx context.Context, fix Fix) bool {
	sample := Sample{
		Point:     fix.Point(),
		Accuracy:  fix.Accuracy,
		Timestamp: fix.Timestamp,
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if ctx.Err() != nil || !s.filter.Accept(sample) {
		return false
	}

	s.mu.Lock()
	subscribers := append([]func(Sample){}, s.subscribers...)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(sample)
	}

	if s.syncer != nil {
		s.syncs.Go(func() {
			syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
			defer cancel()
			if err := s.syncer.SyncPosition(syncCtx, sample.Point); err != nil {
				logging.Warnw(ctx, "Position sync failed", "error", err,
					"latitude", sample.Point.Latitude, "longitude", sample.Point.Longitude)
			}
		})
	}
	return true
}

// reportUnavailable stops both feeds and notifies the handler exactly once
func (s *Source) reportUnavailable(ctx context.Context, err error) {
	s.unavailableOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		logging.Errorw(ctx, "Position source unavailable", "error", err)

		s.mu.Lock()
		handler := s.onUnavailable
		s.mu.Unlock()
		if handler != nil {
			handler(err)
		}
	})
}
