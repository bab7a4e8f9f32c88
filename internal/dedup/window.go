// Package dedup implements the recency window: a capped set of already-seen
// event ids plus an age horizon measured from each event's timestamp.
package dedup

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"haulnotify/internal/alert"
	"haulnotify/internal/clock"
	"haulnotify/internal/storage"
	logx "haulnotify/pkg/logx"
)

type Decision int

const (
	Accept Decision = iota
	Duplicate
	Stale
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Config controls the window.
type Config struct {
	// Capacity bounds the seen-set. Ids whose event aged past the horizon are
	// forgotten first, then the least recently seen.
	Capacity int
	// Horizon is the maximum event age eligible for display. 0 means
	// DefaultHorizon; a negative value disables the check.
	Horizon time.Duration

	// Retention is how long a mirrored id stays in storage.
	Retention time.Duration
	// Scope isolates persisted ids per actor.
	Scope string
}

const (
	DefaultCapacity  = 500
	DefaultHorizon   = 30 * time.Minute
	DefaultRetention = 24 * time.Hour
)

// Window is safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock
	log   logx.Logger

	order *list.List // of *entry, least recently seen at the front
	index map[string]*list.Element

	store     storage.Store
	persistCh chan storage.SeenRecord
}

type entry struct {
	id string
	at time.Time
}

type Option func(*Window)

func WithClock(c clock.Clock) Option {
	return func(w *Window) {
		if c != nil {
			w.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(w *Window) { w.log = log }
}

// WithStore mirrors newly recorded ids to st. Writes are asynchronous and
// best-effort; Run must be started to drain them.
func WithStore(st storage.Store) Option {
	return func(w *Window) { w.store = st }
}

func New(cfg Config, opts ...Option) *Window {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	switch {
	case cfg.Horizon == 0:
		cfg.Horizon = DefaultHorizon
	case cfg.Horizon < 0:
		cfg.Horizon = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	cfg.Scope = strings.TrimSpace(cfg.Scope)

	w := &Window{
		cfg:   cfg,
		clock: clock.Real{},
		log:   logx.Nop(),
		order: list.New(),
		index: make(map[string]*list.Element, cfg.Capacity),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	if w.store != nil {
		w.persistCh = make(chan storage.SeenRecord, 1024)
	}
	return w
}

// Admit decides whether ev may be shown. Every new id is recorded, stale ones
// included, so a late replay cannot resurrect an aged-out item.
func (w *Window) Admit(ev alert.Event) Decision {
	return w.record(ev)
}

// Absorb records ev as seen without admitting it. Accept means the id was
// new and within the horizon.
func (w *Window) Absorb(ev alert.Event) Decision {
	return w.record(ev)
}

func (w *Window) record(ev alert.Event) Decision {
	now := w.clock.Now()

	w.mu.Lock()
	if el, ok := w.index[ev.ID]; ok {
		w.order.MoveToBack(el)
		w.mu.Unlock()
		return Duplicate
	}
	w.recordLocked(ev.ID, ev.OccurredAt, now)
	w.mu.Unlock()

	w.mirror(ev.ID, now)
	if w.aged(ev.OccurredAt, now) {
		return Stale
	}
	return Accept
}

// InHorizon reports whether an event at t is young enough to be shown.
func (w *Window) InHorizon(t time.Time) bool {
	return !w.aged(t, w.clock.Now())
}

// Seen reports whether id is in the seen-set.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	_, ok := w.index[id]
	w.mu.Unlock()
	return ok
}

func (w *Window) Len() int {
	w.mu.Lock()
	n := w.order.Len()
	w.mu.Unlock()
	return n
}

func (w *Window) Horizon() time.Duration { return w.cfg.Horizon }

// aged reads only cfg, which is fixed after New.
func (w *Window) aged(at, now time.Time) bool {
	return w.cfg.Horizon > 0 && now.Sub(at) > w.cfg.Horizon
}

func (w *Window) recordLocked(id string, at, now time.Time) {
	w.index[id] = w.order.PushBack(&entry{id: id, at: at})
	if w.order.Len() <= w.cfg.Capacity {
		return
	}
	// Ids that aged past the horizon go before any in-horizon id.
	for el := w.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*entry); w.aged(e.at, now) {
			w.removeLocked(el)
		}
		el = next
	}
	for w.order.Len() > w.cfg.Capacity {
		w.removeLocked(w.order.Front())
	}
}

func (w *Window) removeLocked(el *list.Element) {
	w.order.Remove(el)
	delete(w.index, el.Value.(*entry).id)
}

func (w *Window) mirror(id string, at time.Time) {
	if w.persistCh == nil {
		return
	}
	select {
	case w.persistCh <- storage.SeenRecord{ID: id, Until: at.Add(w.cfg.Retention)}:
	default:
		w.log.Debug("seen mirror queue full, dropping write", logx.String("id", id))
	}
}

// Restore loads the mirrored seen-set. Restored ids carry no event time, so
// they are treated as recorded now.
func (w *Window) Restore(ctx context.Context) (int, error) {
	if w.store == nil {
		return 0, nil
	}
	recs, err := w.store.LoadSeen(ctx, w.cfg.Scope, w.cfg.Capacity)
	if err != nil {
		return 0, err
	}
	n := 0
	now := w.clock.Now()
	w.mu.Lock()
	for _, r := range recs {
		if r.ID == "" {
			continue
		}
		if _, ok := w.index[r.ID]; ok {
			continue
		}
		w.recordLocked(r.ID, now, now)
		n++
	}
	w.mu.Unlock()
	return n, nil
}

// Run drains mirror writes until ctx is cancelled, then flushes whatever is
// still buffered within a short deadline.
func (w *Window) Run(ctx context.Context) error {
	if w.persistCh == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return ctx.Err()
		case rec := <-w.persistCh:
			w.put(ctx, rec)
		}
	}
}

func (w *Window) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case rec := <-w.persistCh:
			w.put(ctx, rec)
		default:
			return
		}
	}
}

func (w *Window) put(ctx context.Context, rec storage.SeenRecord) {
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	err := w.store.PutSeen(cctx, w.cfg.Scope, rec)
	cancel()
	if err != nil {
		w.log.Debug("seen mirror write failed", logx.String("id", rec.ID), logx.Err(err))
	}
}
