// Package lifecycle tracks the timers, tickers and subscriptions owned by a
// single tracking session so they can be cancelled together.
package lifecycle

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

// StopFunc cancels one registered resource. It is an alias so a
// context.CancelFunc can be registered directly.
type StopFunc = func()

type entry struct {
	name string
	stop StopFunc
}

// Registry owns a set of cancellable resources. Close stops every resource
// exactly once, in reverse registration order.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a stop function. When the registry is already closed the
// resource is stopped immediately and false is returned.
func (r *Registry) Add(name string, stop StopFunc) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		stop()
		return false
	}
	r.entries = append(r.entries, entry{name: name, stop: stop})
	r.mu.Unlock()
	return true
}

// Ticker runs fn every interval until the registry closes or ctx is done.
// Panics inside fn are recovered and logged so one bad tick does not kill
// the loop.
func (r *Registry) Ticker(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	tickCtx, cancel := context.WithCancel(logging.EnsureLogger(ctx))
	done := make(chan struct{})

	if !r.Add(name, func() {
		cancel()
		<-done
	}) {
		return
	}

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				Safely(tickCtx, name, func() { fn(tickCtx) })
			}
		}
	}()
}

// Close stops all registered resources. Safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].stop()
	}
}

// Closed reports whether Close has been called
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Len returns the number of live registrations
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Safely runs fn, recovering and logging any panic with a trimmed stack
func Safely(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(ctx, "Recovered from panic",
				"task", name, "error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
		}
	}()
	fn()
}
