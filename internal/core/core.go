// Package core wires the notification pipeline for one authenticated
// session: push channel and poller in, normalizer, ownership filter, recency
// window and queue in between, presentation operations out.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"haulnotify/internal/alert"
	"haulnotify/internal/backend"
	"haulnotify/internal/clock"
	"haulnotify/internal/dedup"
	"haulnotify/internal/enrich"
	"haulnotify/internal/eventbus"
	"haulnotify/internal/normalize"
	"haulnotify/internal/ownership"
	"haulnotify/internal/queue"
	"haulnotify/internal/reconcile"
	rtsup "haulnotify/internal/runtime/supervisor"
	"haulnotify/internal/storage"
	"haulnotify/internal/transport"
	logx "haulnotify/pkg/logx"
)

var (
	ErrNotInitialized     = errors.New("core: not initialized")
	ErrAlreadyInitialized = errors.New("core: already initialized")
	ErrNotFound           = errors.New("core: notification not found")
	ErrNoBackend          = errors.New("core: no backend configured")
)

// Outcome is what the pipeline did with one raw event.
type Outcome string

const (
	OutcomeDropped   Outcome = "dropped"
	OutcomeSelf      Outcome = "self"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeAbsorbed  Outcome = "absorbed"
	OutcomeOutdated  Outcome = "outdated"
	OutcomeEvicted   Outcome = "evicted"
	OutcomeAccepted  Outcome = "accepted"
)

// NavigateFunc opens the thread behind a notification in the host UI.
type NavigateFunc func(ctx context.Context, n alert.Queued) error

type Config struct {
	Table  *normalize.Table
	Queue  queue.Config
	Window dedup.Config
	Poll   reconcile.Config
	Runner transport.RunnerConfig
	Enrich enrich.Config
}

// Deps are the collaborators of a Core. Everything is optional: without a
// Channel the core is poll-only, without a Backend it is push-only.
type Deps struct {
	Channel  transport.Channel
	Backend  backend.Backend
	Profiles backend.ProfileSource
	Store    storage.Store
	Bus      eventbus.Bus
	Effects  []queue.Effect
	Navigate NavigateFunc

	Registerer prometheus.Registerer
	Logger     logx.Logger
	Clock      clock.Clock
}

type session struct {
	id        alert.Identity
	filter    *ownership.Filter
	window    *dedup.Window
	queue     *queue.Queue
	poller    *reconcile.Poller
	runner    *transport.Runner
	sup       *rtsup.Supervisor
	startedAt time.Time
}

// Core is one notification pipeline. Create it once per process and call
// Init/Teardown per session.
type Core struct {
	cfg   Config
	deps  Deps
	norm  *normalize.Normalizer
	enr   *enrich.Enricher
	log   logx.Logger
	clock clock.Clock
	m     *metrics

	mu   sync.RWMutex // guards sess and cfg.Queue
	sess *session

	// pipe serializes ingestion from the push handler and the poller.
	pipe sync.Mutex
}

func New(cfg Config, deps Deps) *Core {
	if deps.Logger.IsZero() {
		deps.Logger = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	log := deps.Logger.With(logx.String("comp", "core"))
	c := &Core{
		cfg:   cfg,
		deps:  deps,
		log:   log,
		clock: deps.Clock,
		norm: normalize.New(cfg.Table,
			normalize.WithClock(deps.Clock),
			normalize.WithLogger(deps.Logger.With(logx.String("comp", "normalize"))),
		),
	}
	if deps.Profiles != nil {
		c.enr = enrich.New(deps.Profiles, cfg.Enrich,
			enrich.WithClock(deps.Clock),
			enrich.WithLogger(deps.Logger),
		)
	}
	c.m = newMetrics(deps.Registerer, c)
	return c
}

// Init starts a session for id: restores the seen-set, then starts the push
// channel and the poll schedule under one supervisor.
func (c *Core) Init(ctx context.Context, id alert.Identity) error {
	if id.IsZero() {
		return fmt.Errorf("core: identity has no id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrAlreadyInitialized
	}

	log := c.log.With(logx.String("actor", id.Primary()))
	wcfg := c.cfg.Window
	wcfg.Scope = id.Primary()
	wopts := []dedup.Option{dedup.WithClock(c.clock), dedup.WithLogger(log)}
	if c.deps.Store != nil {
		wopts = append(wopts, dedup.WithStore(c.deps.Store))
	}
	s := &session{
		id:        id,
		filter:    ownership.NewFilter(id),
		window:    dedup.New(wcfg, wopts...),
		startedAt: c.clock.Now(),
	}
	if n, err := s.window.Restore(ctx); err != nil {
		log.Warn("seen-set restore failed; starting empty", logx.Err(err))
	} else if n > 0 {
		log.Info("seen-set restored", logx.Int("ids", n))
	}
	s.queue = queue.New(c.cfg.Queue,
		queue.WithClock(c.clock),
		queue.WithLogger(log.With(logx.String("comp", "queue"))),
		queue.WithBus(c.deps.Bus),
		queue.WithEffects(c.deps.Effects...),
	)

	// The session outlives the Init call.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("dedup.mirror", s.window.Run)

	if c.deps.Backend != nil {
		p, err := reconcile.New(c.deps.Backend, id,
			func(ctx context.Context, raw alert.Raw, absorb bool) { c.ingest(ctx, s, raw, absorb) },
			c.cfg.Poll,
			reconcile.WithClock(c.clock),
			reconcile.WithLogger(log),
			reconcile.WithBus(c.deps.Bus),
		)
		if err != nil {
			s.sup.Cancel()
			s.queue.Close()
			return err
		}
		s.poller = p
		// Prime right away so the silent baseline does not wait a full
		// interval.
		s.sup.Go("reconcile.prime", func(ctx context.Context) error {
			if _, err := p.Cycle(ctx); err != nil && !errors.Is(err, reconcile.ErrBusy) && ctx.Err() == nil {
				log.Warn("initial poll failed", logx.Err(err))
			}
			return nil
		})
		p.Start(s.sup)
	}

	if c.deps.Channel != nil {
		s.runner = transport.NewRunner(c.deps.Channel, c.cfg.Runner, log, c.deps.Bus)
		sessCtx := s.sup.Context()
		s.runner.Start(s.sup, func(raw alert.Raw) { c.ingest(sessCtx, s, raw, false) })
	}

	c.sess = s
	log.Info("session started",
		logx.Bool("push", s.runner != nil),
		logx.Bool("poll", s.poller != nil),
		logx.Duration("horizon", s.window.Horizon()),
	)
	return nil
}

// Teardown ends the session: the push listener and poll schedule stop, every
// queue timer is cancelled and pending seen-set writes are flushed.
func (c *Core) Teardown(ctx context.Context) error {
	c.pipe.Lock()
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	c.pipe.Unlock()
	if s == nil {
		return ErrNotInitialized
	}

	err := s.sup.Stop(ctx)
	s.queue.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("session stopped with error", logx.String("actor", s.id.Primary()), logx.Err(err))
	} else {
		err = nil
	}
	c.log.Info("session ended", logx.String("actor", s.id.Primary()))
	return err
}

// Ingest runs one raw event through the pipeline.
func (c *Core) Ingest(ctx context.Context, raw alert.Raw) Outcome {
	s := c.current()
	if s == nil {
		return OutcomeDropped
	}
	return c.ingest(ctx, s, raw, false)
}

func (c *Core) ingest(ctx context.Context, s *session, raw alert.Raw, absorb bool) Outcome {
	start := time.Now()
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = c.clock.Now()
	}
	out := c.admit(ctx, s, raw, absorb)
	c.m.observe(out, raw.Source, time.Since(start))
	return out
}

func (c *Core) admit(ctx context.Context, s *session, raw alert.Raw, absorb bool) Outcome {
	if c.current() != s {
		return OutcomeDropped
	}
	ev, ok := c.norm.Normalize(raw)
	if !ok {
		return OutcomeDropped
	}
	if s.filter.IsSelf(ev) {
		return OutcomeSelf
	}
	// Profile lookups run before the pipeline lock so a slow backend only
	// delays its own event. Known and aged events skip them.
	if !absorb && !s.window.Seen(ev.ID) && s.window.InHorizon(ev.OccurredAt) {
		ev = c.enr.Enrich(ctx, ev)
	}

	c.pipe.Lock()
	defer c.pipe.Unlock()
	// A late callback from a torn-down session.
	if c.current() != s {
		return OutcomeDropped
	}

	var d dedup.Decision
	if absorb {
		d = s.window.Absorb(ev)
	} else {
		d = s.window.Admit(ev)
	}
	switch d {
	case dedup.Duplicate:
		return OutcomeDuplicate
	case dedup.Stale:
		return OutcomeStale
	}
	if absorb {
		return OutcomeAbsorbed
	}

	res := s.queue.Push(ev)
	switch {
	case res.Queued:
		return OutcomeAccepted
	case res.Outdated:
		return OutcomeOutdated
	default:
		return OutcomeEvicted
	}
}

func (c *Core) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// List returns the visible notifications, newest first. It is empty outside
// a session.
func (c *Core) List(f queue.Filter) []alert.Queued {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.queue.List(f)
}

func (c *Core) Get(id string) (alert.Queued, error) {
	s := c.current()
	if s == nil {
		return alert.Queued{}, ErrNotInitialized
	}
	n, ok := s.queue.Get(id)
	if !ok {
		return alert.Queued{}, ErrNotFound
	}
	return n, nil
}

func (c *Core) MarkRead(id string) error {
	s := c.current()
	if s == nil {
		return ErrNotInitialized
	}
	if !s.queue.MarkRead(id) {
		return ErrNotFound
	}
	return nil
}

func (c *Core) Dismiss(id string) error {
	s := c.current()
	if s == nil {
		return ErrNotInitialized
	}
	if !s.queue.Dismiss(id) {
		return ErrNotFound
	}
	return nil
}

// DismissAll clears the queue and reports how many entries were removed.
func (c *Core) DismissAll() (int, error) {
	s := c.current()
	if s == nil {
		return 0, ErrNotInitialized
	}
	return s.queue.DismissAll(), nil
}

// Navigate hands the notification's thread to the navigation callback and
// marks it read.
func (c *Core) Navigate(ctx context.Context, id string) (alert.Queued, error) {
	s := c.current()
	if s == nil {
		return alert.Queued{}, ErrNotInitialized
	}
	n, ok := s.queue.Get(id)
	if !ok {
		return alert.Queued{}, ErrNotFound
	}
	if c.deps.Navigate != nil {
		if err := c.deps.Navigate(ctx, n); err != nil {
			return n, fmt.Errorf("navigate to %s: %w", n.ThreadKey, err)
		}
	}
	s.queue.MarkRead(id)
	n.Read = true
	return n, nil
}

// PollNow runs a reconciliation cycle immediately.
func (c *Core) PollNow(ctx context.Context) (reconcile.Result, error) {
	s := c.current()
	if s == nil {
		return reconcile.Result{}, ErrNotInitialized
	}
	if s.poller == nil {
		return reconcile.Result{}, ErrNoBackend
	}
	return s.poller.PollNow(ctx)
}

// Connected is the connectivity indicator: true while the push channel is
// up. When it is false the poller is the only source.
func (c *Core) Connected() bool {
	s := c.current()
	return s != nil && s.runner != nil && s.runner.Connected()
}

// ApplyQueue swaps capacity, TTLs and the effect budget, for the running
// session and the next one.
func (c *Core) ApplyQueue(qc queue.Config) {
	c.mu.Lock()
	c.cfg.Queue = qc
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.queue.Apply(qc)
	}
}

// Status is the operational snapshot served by the surface.
type Status struct {
	Initialized bool              `json:"initialized"`
	Actor       string            `json:"actor,omitempty"`
	Since       time.Time         `json:"since,omitempty"`
	Connected   bool              `json:"connected"`
	Transport   *transport.Status `json:"transport,omitempty"`
	Poller      *reconcile.Stats  `json:"poller,omitempty"`
	Queued      int               `json:"queued"`
	Unread      int               `json:"unread"`
	Seen        int               `json:"seen"`
	Tasks       []rtsup.TaskStats `json:"tasks,omitempty"`
}

func (c *Core) Status() Status {
	s := c.current()
	if s == nil {
		return Status{}
	}
	st := Status{
		Initialized: true,
		Actor:       s.id.Primary(),
		Since:       s.startedAt,
		Queued:      s.queue.Len(),
		Unread:      s.queue.Unread(),
		Seen:        s.window.Len(),
		Tasks:       s.sup.Snapshot().Tasks,
	}
	if s.runner != nil {
		ts := s.runner.Status()
		st.Transport = &ts
		st.Connected = ts.Connected
	}
	if s.poller != nil {
		ps := s.poller.Stats()
		st.Poller = &ps
	}
	return st
}
