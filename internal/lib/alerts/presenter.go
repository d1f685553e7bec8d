package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/sourcegraph/conc"

	"github.com/dpup/triptracker/server/internal/lib/deviation"
)

// Presenter keeps at most one persistent deviation alert per vehicle and
// short-lived recovery alerts that remove themselves
type Presenter struct {
	cfg Config
	cue Cue
	ctx context.Context

	mu          sync.Mutex
	records     map[string]Record
	timers      map[string]*time.Timer
	subscribers []func([]Record)
	seq         uint64
	closed      bool
	now         func() time.Time

	cues   conc.WaitGroup
	cancel context.CancelFunc
}

// NewPresenter creates a presenter. A nil cue is silent.
func NewPresenter(ctx context.Context, cue Cue, cfg Config) *Presenter {
	defaults := DefaultConfig()
	if cfg.CueRepetitions <= 0 {
		cfg.CueRepetitions = defaults.CueRepetitions
	}
	if cfg.RecoveredTTL <= 0 {
		cfg.RecoveredTTL = defaults.RecoveredTTL
	}
	if cfg.EntityLabel == "" {
		cfg.EntityLabel = defaults.EntityLabel
	}
	if cue == nil {
		cue = NopCue{}
	}

	ctx, cancel := context.WithCancel(logging.EnsureLogger(ctx))
	return &Presenter{
		cfg:     cfg,
		cue:     cue,
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[string]Record),
		timers:  make(map[string]*time.Timer),
		now:     time.Now,
	}
}

// Subscribe registers fn to receive the full alert list after every change
func (p *Presenter) Subscribe(fn func([]Record)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Handle applies a deviation event. A repeated deviation for a vehicle that
// already has a persistent alert is ignored unless it is resurfaced.
func (p *Presenter) Handle(event deviation.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if event.IsDeviated && !event.Resurfaced && p.hasPersistentLocked(event.EntityID) {
		p.mu.Unlock()
		return
	}

	// Whatever the event, the previous alert for this vehicle is superseded
	p.removeEntityLocked(event.EntityID)

	now := p.now()
	p.seq++
	record := Record{
		ID:         recordID(event.EntityID, event.IsDeviated, now, p.seq),
		EntityID:   event.EntityID,
		TripID:     event.TripID,
		IsDeviated: event.IsDeviated,
		Distance:   event.DistanceMeters,
		CreatedAt:  now,
	}

	if event.IsDeviated {
		record.Message = fmt.Sprintf("%s %s deviated from route", p.cfg.EntityLabel, event.EntityID)
		record.Persistent = true
	} else {
		record.Message = fmt.Sprintf("%s %s is back on route", p.cfg.EntityLabel, event.EntityID)
		record.ExpiresAt = now.Add(p.cfg.RecoveredTTL)
		id := record.ID
		p.timers[id] = time.AfterFunc(p.cfg.RecoveredTTL, func() {
			p.expire(id)
		})
	}
	p.records[record.ID] = record

	// Started under mu so Close cannot be waiting on cues yet
	if event.IsDeviated {
		repetitions := p.cfg.CueRepetitions
		p.cues.Go(func() {
			if err := p.cue.Play(p.ctx, repetitions); err != nil && p.ctx.Err() == nil {
				logging.Warnw(p.ctx, "Failed to play alert cue", "error", err)
			}
		})
	}
	p.mu.Unlock()

	logging.Infow(p.ctx, "Alert raised",
		"entity_id", event.EntityID, "alert_id", record.ID, "deviated", event.IsDeviated,
		"resurfaced", event.Resurfaced)

	p.notify()
}

// Dismiss removes an alert. It reports whether the alert existed.
func (p *Presenter) Dismiss(id string) bool {
	p.mu.Lock()
	_, ok := p.records[id]
	if ok {
		p.removeLocked(id)
	}
	p.mu.Unlock()

	if ok {
		p.notify()
	}
	return ok
}

// Clear removes every alert for a vehicle, e.g. when its trip ends
func (p *Presenter) Clear(entityID string) {
	p.mu.Lock()
	before := len(p.records)
	p.removeEntityLocked(entityID)
	changed := len(p.records) != before
	p.mu.Unlock()

	if changed {
		p.notify()
	}
}

// Active returns the alerts for one vehicle, oldest first
func (p *Presenter) Active(entityID string) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Record
	for _, r := range p.records {
		if r.EntityID == entityID {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}

// All returns every alert, oldest first
func (p *Presenter) All() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Close cancels expiry timers and waits for cues to finish
func (p *Presenter) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.cancel()
	if recovered := p.cues.WaitAndRecover(); recovered != nil {
		logging.Errorw(p.ctx, "Alert cue panicked", "error", recovered.String())
	}
}

func (p *Presenter) expire(id string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	_, ok := p.records[id]
	if ok {
		p.removeLocked(id)
	}
	p.mu.Unlock()

	if ok {
		logging.Debugw(p.ctx, "Alert expired", "alert_id", id)
		p.notify()
	}
}

func (p *Presenter) hasPersistentLocked(entityID string) bool {
	for _, r := range p.records {
		if r.EntityID == entityID && r.Persistent {
			return true
		}
	}
	return false
}

func (p *Presenter) removeEntityLocked(entityID string) {
	for id, r := range p.records {
		if r.EntityID == entityID {
			p.removeLocked(id)
		}
	}
}

func (p *Presenter) removeLocked(id string) {
	delete(p.records, id)
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
}

func (p *Presenter) snapshotLocked() []Record {
	out := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

func (p *Presenter) notify() {
	p.mu.Lock()
	subscribers := append([]func([]Record){}, p.subscribers...)
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	for _, fn := range subscribers {
		fn(snapshot)
	}
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
