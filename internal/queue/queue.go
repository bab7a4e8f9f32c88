// Package queue holds the notifications currently presented to the user: a
// small, newest-first list where every unread entry expires on its own timer.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"haulnotify/internal/alert"
	"haulnotify/internal/clock"
	"haulnotify/internal/eventbus"
	logx "haulnotify/pkg/logx"
)

const DefaultCapacity = 8

// DefaultTTLs is how long an unread notification of each kind stays up.
var DefaultTTLs = map[alert.Kind]time.Duration{
	alert.KindChat:        8 * time.Second,
	alert.KindNegotiation: 15 * time.Second,
	alert.KindBid:         15 * time.Second,
	alert.KindLoadStatus:  10 * time.Second,
	alert.KindSystem:      10 * time.Second,
}

type Config struct {
	Capacity int
	TTL      map[alert.Kind]time.Duration

	// EffectsPerSec bounds how often side effects may fire. Pushes beyond
	// the budget are still queued, just silently.
	EffectsPerSec float64
	EffectsBurst  int
}

// PushResult describes what a push did to the queue.
type PushResult struct {
	Item alert.Queued
	// Queued is false when the queue is closed, the id is already present,
	// the new entry was itself the eviction victim, or it is Outdated.
	Queued bool
	// Outdated is set when an unread entry of the same thread and kind is
	// newer than the pushed event; the newer banner stays.
	Outdated   bool
	Superseded []string
	Evicted    []string
}

// Filter narrows List. The zero value matches everything.
type Filter struct {
	Kind       alert.Kind
	ThreadKey  string
	UnreadOnly bool
	Limit      int
}

func (f Filter) match(q alert.Queued) bool {
	if f.Kind != "" && q.Kind != f.Kind {
		return false
	}
	if f.ThreadKey != "" && q.ThreadKey != f.ThreadKey {
		return false
	}
	if f.UnreadOnly && q.Read {
		return false
	}
	return true
}

// Change is the bus payload for every transition except queue.pushed, which
// carries the alert.Queued itself.
type Change struct {
	ID        string     `json:"id"`
	Kind      alert.Kind `json:"kind"`
	ThreadKey string     `json:"thread_key,omitempty"`
	By        string     `json:"by,omitempty"`
}

type entry struct {
	item  alert.Queued
	timer clock.Timer
	seq   uint64
}

// Queue is safe for concurrent use. It exclusively owns its entries; callers
// only ever receive copies.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	effects []Effect
	limiter *rate.Limiter

	entries []*entry // newest first
	seq     uint64
	closed  bool

	effCtx    context.Context
	effCancel context.CancelFunc
	effWG     sync.WaitGroup
}

type Option func(*Queue)

func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }

func WithBus(b eventbus.Bus) Option { return func(q *Queue) { q.bus = b } }

// WithEffects registers side channels fired after each successful push.
func WithEffects(effects ...Effect) Option {
	return func(q *Queue) { q.effects = append(q.effects, effects...) }
}

func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{clock: clock.Real{}, log: logx.Nop()}
	for _, o := range opts {
		o(q)
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	q.effCtx, q.effCancel = context.WithCancel(context.Background())
	q.applyLocked(cfg)
	return q
}

// Apply swaps capacity, TTLs and the effect budget. Entries already queued
// keep their timers; a smaller capacity takes effect on the next push.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.applyLocked(cfg)
	q.mu.Unlock()
}

func (q *Queue) applyLocked(cfg Config) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	ttl := make(map[alert.Kind]time.Duration, len(DefaultTTLs))
	for k, d := range DefaultTTLs {
		ttl[k] = d
	}
	for k, d := range cfg.TTL {
		if d > 0 {
			ttl[k] = d
		}
	}
	cfg.TTL = ttl
	if cfg.EffectsPerSec <= 0 {
		cfg.EffectsPerSec = 2
	}
	if cfg.EffectsBurst <= 0 {
		cfg.EffectsBurst = 3
	}
	q.cfg = cfg
	// The limiter is read outside q.mu by fireEffects; retune it in place.
	if q.limiter == nil {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.EffectsPerSec), cfg.EffectsBurst)
		return
	}
	q.limiter.SetLimit(rate.Limit(cfg.EffectsPerSec))
	q.limiter.SetBurst(cfg.EffectsBurst)
}

// TTL returns the expiry applied to new entries of kind k.
func (q *Queue) TTL(k alert.Kind) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ttlLocked(k)
}

func (q *Queue) ttlLocked(k alert.Kind) time.Duration {
	if d, ok := q.cfg.TTL[k]; ok {
		return d
	}
	return q.cfg.TTL[alert.KindSystem]
}

// Push inserts ev. An unread entry of the same thread and kind is replaced,
// and the queue is trimmed back to capacity (read entries go first).
func (q *Queue) Push(ev alert.Event) PushResult {
	now := q.clock.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return PushResult{}
	}
	for _, e := range q.entries {
		if e.item.ID == ev.ID {
			res := PushResult{Item: e.item}
			q.mu.Unlock()
			return res
		}
	}

	var res PushResult
	var superseded, evicted []alert.Queued

	if ev.ThreadKey != "" {
		for _, e := range q.entries {
			if !e.item.Read && e.item.ThreadKey == ev.ThreadKey && e.item.Kind == ev.Kind && e.item.OccurredAt.After(ev.OccurredAt) {
				q.mu.Unlock()
				return PushResult{Item: alert.Queued{Event: ev, Title: titleFor(ev)}, Outdated: true}
			}
		}
		kept := q.entries[:0]
		for _, e := range q.entries {
			if !e.item.Read && e.item.ThreadKey == ev.ThreadKey && e.item.Kind == ev.Kind {
				stopTimer(e)
				superseded = append(superseded, e.item)
				continue
			}
			kept = append(kept, e)
		}
		clearTail(q.entries, len(kept))
		q.entries = kept
	}

	ttl := q.ttlLocked(ev.Kind)
	q.seq++
	ne := &entry{
		item: alert.Queued{
			Event:     ev,
			Title:     titleFor(ev),
			QueuedAt:  now,
			ExpiresAt: now.Add(ttl),
		},
		seq: q.seq,
	}
	q.insertLocked(ne)

	for len(q.entries) > q.cfg.Capacity {
		victim := q.victimLocked()
		stopTimer(q.entries[victim])
		evicted = append(evicted, q.entries[victim].item)
		q.removeAtLocked(victim)
	}

	res.Item = ne.item
	res.Queued = true
	for _, v := range evicted {
		if v.ID == ev.ID {
			res.Queued = false
		}
		res.Evicted = append(res.Evicted, v.ID)
	}
	for _, s := range superseded {
		res.Superseded = append(res.Superseded, s.ID)
	}
	if res.Queued {
		id, seq := ev.ID, ne.seq
		ne.timer = q.clock.AfterFunc(ttl, func() { q.expire(id, seq) })
	}
	q.mu.Unlock()

	for _, s := range superseded {
		q.emit(eventbus.QueueSuperseded, s, ev.ID)
	}
	for _, v := range evicted {
		q.emit(eventbus.QueueEvicted, v, "capacity")
	}
	if res.Queued {
		eventbus.Emit(q.bus, eventbus.QueuePushed, res.Item)
		q.fireEffects(res.Item)
	}
	return res
}

// insertLocked keeps entries sorted by OccurredAt, newest first. Among equal
// timestamps the latest push sorts first.
func (q *Queue) insertLocked(e *entry) {
	at := e.item.OccurredAt
	i := sort.Search(len(q.entries), func(i int) bool {
		return !q.entries[i].item.OccurredAt.After(at)
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// victimLocked picks the oldest read entry, or the oldest entry when none is
// read.
func (q *Queue) victimLocked() int {
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].item.Read {
			return i
		}
	}
	return len(q.entries) - 1
}

func (q *Queue) removeAtLocked(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.entries {
		if e.item.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) expire(id string, seq uint64) {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 || q.entries[i].seq != seq || q.entries[i].item.Read {
		q.mu.Unlock()
		return
	}
	item := q.entries[i].item
	q.removeAtLocked(i)
	q.mu.Unlock()

	q.emit(eventbus.QueueExpired, item, "ttl")
}

// MarkRead stops the entry's timer; read entries stay until dismissed or
// evicted. It reports whether id was queued.
func (q *Queue) MarkRead(id string) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	e := q.entries[i]
	wasRead := e.item.Read
	stopTimer(e)
	e.item.Read = true
	e.item.ExpiresAt = time.Time{}
	item := e.item
	q.mu.Unlock()

	if !wasRead {
		q.emit(eventbus.QueueRead, item, "user")
	}
	return true
}

// Dismiss removes id. It reports whether id was queued.
func (q *Queue) Dismiss(id string) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	e := q.entries[i]
	stopTimer(e)
	q.removeAtLocked(i)
	q.mu.Unlock()

	q.emit(eventbus.QueueDismissed, e.item, "user")
	return true
}

// DismissAll stops every timer and empties the queue under one lock.
func (q *Queue) DismissAll() int {
	q.mu.Lock()
	n := q.clearLocked()
	q.mu.Unlock()

	if n > 0 {
		eventbus.Emit(q.bus, eventbus.QueueCleared, n)
	}
	return n
}

func (q *Queue) clearLocked() int {
	n := len(q.entries)
	for _, e := range q.entries {
		stopTimer(e)
	}
	clearTail(q.entries, 0)
	q.entries = q.entries[:0]
	return n
}

// List returns copies of the matching entries, newest first.
func (q *Queue) List(f Filter) []alert.Queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]alert.Queued, 0, len(q.entries))
	for _, e := range q.entries {
		if !f.match(e.item) {
			continue
		}
		out = append(out, e.item)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (q *Queue) Get(id string) (alert.Queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.entries[i].item, true
	}
	return alert.Queued{}, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Unread() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if !e.item.Read {
			n++
		}
	}
	return n
}

// Close cancels every timer, drops all entries and waits for running side
// effects. Later pushes are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.clearLocked()
	q.mu.Unlock()

	q.effCancel()
	q.effWG.Wait()
}

func (q *Queue) emit(typ string, item alert.Queued, by string) {
	eventbus.Emit(q.bus, typ, Change{ID: item.ID, Kind: item.Kind, ThreadKey: item.ThreadKey, By: by})
}

func stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func clearTail(s []*entry, from int) {
	for i := from; i < len(s); i++ {
		s[i] = nil
	}
}

func titleFor(ev alert.Event) string {
	if ev.SenderName != "" {
		return ev.SenderName
	}
	return ev.Kind.Label()
}
