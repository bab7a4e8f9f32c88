// Package enrich fills in sender display names that the push payload left
// out. Lookups are bounded and cached; a miss leaves the event as it was and
// the queue falls back to the generic per-kind title.
package enrich

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"haulnotify/internal/alert"
	"haulnotify/internal/backend"
	"haulnotify/internal/clock"
	logx "haulnotify/pkg/logx"
)

const (
	DefaultTimeout = 300 * time.Millisecond
	DefaultTTL     = 10 * time.Minute
	DefaultMax     = 512

	missTTL    = time.Minute
	sweepEvery = 64
)

type Config struct {
	Timeout time.Duration
	TTL     time.Duration
	Max     int
}

type cacheEntry struct {
	profile backend.Profile
	found   bool
	expires time.Time
}

// Enricher resolves sender profiles through a backend.ProfileSource.
type Enricher struct {
	src   backend.ProfileSource
	cfg   Config
	clock clock.Clock
	log   logx.Logger

	mu     sync.Mutex
	cache  map[string]cacheEntry
	writes int
}

type Option func(*Enricher)

func WithClock(c clock.Clock) Option {
	return func(e *Enricher) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(e *Enricher) { e.log = log } }

func New(src backend.ProfileSource, cfg Config, opts ...Option) *Enricher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	e := &Enricher{src: src, cfg: cfg, clock: clock.Real{}, log: logx.Nop(), cache: map[string]cacheEntry{}}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "enrich"))
	return e
}

// Enrich returns ev with SenderName and SenderAvatar filled when they were
// missing and the profile could be resolved in time. It never fails.
func (e *Enricher) Enrich(ctx context.Context, ev alert.Event) alert.Event {
	if e == nil || e.src == nil || ev.SenderName != "" {
		return ev
	}
	id := strings.TrimSpace(ev.SenderID)
	if id == "" {
		return ev
	}
	p, ok := e.lookup(ctx, id)
	if !ok {
		return ev
	}
	ev.SenderName = p.Name
	if ev.SenderAvatar == "" {
		ev.SenderAvatar = p.Avatar
	}
	return ev
}

func (e *Enricher) lookup(ctx context.Context, id string) (backend.Profile, bool) {
	now := e.clock.Now()
	if ent, ok := e.cached(id, now); ok {
		return ent.profile, ent.found
	}

	lctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	p, err := e.src.Profile(lctx, id)
	found := err == nil && strings.TrimSpace(p.Name) != ""
	if err != nil {
		e.log.Debug("profile lookup failed", logx.String("sender", id), logx.Err(err))
		if ctx.Err() != nil {
			// The caller gave up; do not remember that as a miss.
			return backend.Profile{}, false
		}
	}
	p.Name = strings.TrimSpace(p.Name)

	ttl := e.cfg.TTL
	if !found {
		ttl = missTTL
	}
	e.store(id, cacheEntry{profile: p, found: found, expires: now.Add(ttl)}, now)
	return p, found
}

func (e *Enricher) cached(id string, now time.Time) (cacheEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.cache[id]
	if !ok || now.After(ent.expires) {
		return cacheEntry{}, false
	}
	return ent, true
}

func (e *Enricher) store(id string, ent cacheEntry, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[id] = ent
	e.writes++
	if len(e.cache) > e.cfg.Max || e.writes%sweepEvery == 0 {
		e.pruneLocked(now)
	}
}

// pruneLocked drops expired entries, then the ones closest to expiry until
// the cache fits.
func (e *Enricher) pruneLocked(now time.Time) {
	for k, ent := range e.cache {
		if now.After(ent.expires) {
			delete(e.cache, k)
		}
	}
	if len(e.cache) <= e.cfg.Max {
		return
	}
	type kv struct {
		k string
		e time.Time
	}
	items := make([]kv, 0, len(e.cache))
	for k, ent := range e.cache {
		items = append(items, kv{k: k, e: ent.expires})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].e.Before(items[j].e) })
	for i := 0; i < len(items)-e.cfg.Max; i++ {
		delete(e.cache, items[i].k)
	}
}

// Len reports the number of cached profiles, hits and misses alike.
func (e *Enricher) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
