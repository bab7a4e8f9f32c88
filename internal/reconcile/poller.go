// Package reconcile replays active threads from the request/response backend
// on a schedule so that messages missed by the push channel still arrive.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"haulnotify/internal/alert"
	"haulnotify/internal/backend"
	"haulnotify/internal/clock"
	"haulnotify/internal/eventbus"
	rtsup "haulnotify/internal/runtime/supervisor"
	logx "haulnotify/pkg/logx"
)

// ErrBusy is returned when a cycle is requested while another one runs.
var ErrBusy = errors.New("reconcile: cycle already in progress")

// Sink receives every replayed record. absorb is true during the first
// cycle of a session: those records seed the seen-set without notifying.
type Sink func(ctx context.Context, raw alert.Raw, absorb bool)

// ThreadError is one thread whose history could not be fetched. It never
// aborts the cycle.
type ThreadError struct {
	Key string
	Err error
}

func (e *ThreadError) Error() string { return fmt.Sprintf("thread %s: %v", e.Key, e.Err) }
func (e *ThreadError) Unwrap() error { return e.Err }

type Config struct {
	Schedule       string
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 10 * time.Second

// Result summarizes one cycle. Baselined lists threads absorbed late because
// their history could not be fetched during the first cycle.
type Result struct {
	Trigger   string        `json:"trigger"`
	Threads   int           `json:"threads"`
	Records   int           `json:"records"`
	Failed    []string      `json:"failed,omitempty"`
	Absorbed  bool          `json:"absorbed"`
	Baselined []string      `json:"baselined,omitempty"`
	Took      time.Duration `json:"took"`
}

// Stats is the poller's running tally for /status.
type Stats struct {
	Schedule   string    `json:"schedule"`
	Cycles     uint64    `json:"cycles"`
	Skipped    uint64    `json:"skipped"`
	Failures   uint64    `json:"failures"`
	Primed     bool      `json:"primed"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastResult *Result   `json:"last_result,omitempty"`
}

type Poller struct {
	be    backend.Backend
	id    alert.Identity
	sink  Sink
	sched Schedule
	cfg   Config

	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	running atomic.Bool
	primed  atomic.Bool

	// unbaselined holds threads whose first-cycle fetch failed. Only the
	// cycle holding running touches it.
	unbaselined map[string]struct{}

	mu    sync.Mutex
	stats Stats
}

type Option func(*Poller)

func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(p *Poller) { p.log = log } }

func WithBus(b eventbus.Bus) Option { return func(p *Poller) { p.bus = b } }

func New(be backend.Backend, id alert.Identity, sink Sink, cfg Config, opts ...Option) (*Poller, error) {
	if be == nil {
		return nil, fmt.Errorf("reconcile: backend required")
	}
	if sink == nil {
		return nil, fmt.Errorf("reconcile: sink required")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	p := &Poller{
		be:          be,
		id:          id,
		sink:        sink,
		sched:       sched,
		cfg:         cfg,
		clock:       clock.Real{},
		log:         logx.Nop(),
		unbaselined: map[string]struct{}{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "reconcile"))
	p.stats.Schedule = sched.Spec()
	return p, nil
}

// Start registers the schedule under sup. The schedule stops when the
// supervisor context is cancelled.
func (p *Poller) Start(sup *rtsup.Supervisor) {
	sup.Go("reconcile.schedule", func(ctx context.Context) error {
		c := cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cronLogger{p.log}), cron.SkipIfStillRunning(cronLogger{p.log})),
		)
		if _, err := c.AddFunc(p.sched.Spec(), func() { p.run(ctx, "schedule") }); err != nil {
			return fmt.Errorf("reconcile: schedule %q: %w", p.sched.Spec(), err)
		}
		p.log.Info("poll schedule started", logx.String("schedule", p.sched.Spec()))
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
}

// PollNow runs an out-of-schedule cycle and waits for it.
func (p *Poller) PollNow(ctx context.Context) (Result, error) {
	return p.cycle(ctx, "manual")
}

// Cycle runs one reconciliation pass.
func (p *Poller) Cycle(ctx context.Context) (Result, error) {
	return p.cycle(ctx, "schedule")
}

func (p *Poller) run(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := p.cycle(ctx, trigger); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
		p.log.Warn("poll cycle failed", logx.Err(err))
	}
}

func (p *Poller) cycle(ctx context.Context, trigger string) (Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.mu.Lock()
		p.stats.Skipped++
		p.mu.Unlock()
		eventbus.Emit(p.bus, eventbus.PollSkipped, map[string]any{"trigger": trigger})
		p.log.Debug("poll cycle skipped", logx.String("trigger", trigger))
		return Result{Trigger: trigger}, ErrBusy
	}
	defer p.running.Store(false)

	start := p.clock.Now()
	res := Result{Trigger: trigger, Absorbed: !p.primed.Load()}

	threads, err := p.threads(ctx)
	if err != nil {
		p.finish(start, nil, err)
		return res, err
	}
	res.Threads = len(threads)
	p.forgetGone(threads)

	for _, t := range threads {
		if ctx.Err() != nil {
			p.finish(start, nil, ctx.Err())
			return res, ctx.Err()
		}
		recs, err := p.history(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				p.finish(start, nil, ctx.Err())
				return res, ctx.Err()
			}
			terr := &ThreadError{Key: t.Key, Err: err}
			p.log.Warn("thread fetch failed", logx.Err(terr))
			res.Failed = append(res.Failed, terr.Key)
			if res.Absorbed {
				p.unbaselined[t.Key] = struct{}{}
			}
			continue
		}
		absorb := res.Absorbed
		if _, ok := p.unbaselined[t.Key]; ok && !absorb {
			absorb = true
			delete(p.unbaselined, t.Key)
			res.Baselined = append(res.Baselined, t.Key)
		}
		now := p.clock.Now()
		for _, rec := range recs {
			p.sink(ctx, alert.Raw{
				Name:       historyEventName(t.Kind),
				Payload:    rec,
				ReceivedAt: now,
				ThreadKey:  t.Key,
				Source:     alert.SourcePoll,
			}, absorb)
			res.Records++
		}
	}

	// Only a cycle that enumerated successfully primes the session; a
	// failed first attempt leaves the next one silent as well.
	p.primed.Store(true)
	res.Took = p.clock.Now().Sub(start)
	p.finish(start, &res, nil)
	eventbus.Emit(p.bus, eventbus.PollCompleted, res)
	p.log.Debug("poll cycle done",
		logx.String("trigger", trigger),
		logx.Int("threads", res.Threads),
		logx.Int("records", res.Records),
		logx.Int("failed", len(res.Failed)),
		logx.Bool("absorbed", res.Absorbed),
	)
	return res, nil
}

// forgetGone drops pending baselines of threads that are no longer active.
func (p *Poller) forgetGone(threads []backend.Thread) {
	if len(p.unbaselined) == 0 {
		return
	}
	active := make(map[string]struct{}, len(threads))
	for _, t := range threads {
		active[t.Key] = struct{}{}
	}
	for k := range p.unbaselined {
		if _, ok := active[k]; !ok {
			delete(p.unbaselined, k)
		}
	}
}

func (p *Poller) threads(ctx context.Context) ([]backend.Thread, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	threads, err := p.be.ActiveThreads(rctx, p.id)
	if err != nil {
		if backend.IsUnauthorized(err) {
			p.log.Error("backend rejected session token", logx.Err(err))
		}
		return nil, fmt.Errorf("list active threads: %w", err)
	}
	return threads, nil
}

func (p *Poller) history(ctx context.Context, t backend.Thread) ([]any, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	return p.be.ThreadHistory(rctx, t)
}

func (p *Poller) finish(start time.Time, res *Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Cycles++
	p.stats.LastRunAt = start
	p.stats.Primed = p.primed.Load()
	if err != nil {
		p.stats.Failures++
		p.stats.LastError = err.Error()
		return
	}
	p.stats.LastError = ""
	cp := *res
	cp.Failed = append([]string(nil), res.Failed...)
	p.stats.LastResult = &cp
}

// Stats returns a copy of the running tally.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	if st.LastResult != nil {
		cp := *st.LastResult
		st.LastResult = &cp
	}
	return st
}

// Primed reports whether the silent first cycle has completed.
func (p *Poller) Primed() bool { return p.primed.Load() }

// historyEventName is the event name replayed records are classified under.
func historyEventName(k alert.Kind) string {
	switch k {
	case alert.KindNegotiation:
		return "negotiation_history"
	case alert.KindBid:
		return "bid_history"
	case alert.KindLoadStatus:
		return "load_history"
	case alert.KindSystem:
		return "notification"
	default:
		return "chat_history"
	}
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
