// Package supervisor runs the daemon's long-lived goroutines (transport
// connection, poll schedule, seen-set mirror) under one cancellable context
// with panic recovery and restart backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "haulnotify/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*TaskStats
}

type Option func(*Supervisor)

// TaskStats is a best-effort view of one named task, for /healthz.
type TaskStats struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	Starts      uint64    `json:"starts"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at,omitempty"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
}

type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Tasks = append(snap.Tasks, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Supervisor) statLocked(name string) *TaskStats {
	st := s.stats[name]
	if st == nil {
		st = &TaskStats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statLocked(name)
	st.Starts++
	if restart {
		st.Restarts++
	}
	st.Running = true
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	now := time.Now()
	s.mu.Lock()
	st := s.statLocked(name)
	st.Running = false
	st.LastStopAt = now
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = now
	}
	s.mu.Unlock()
}

// run calls fn, converting a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err, panicked = fmt.Errorf("panic: %v", r), true
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A returned error (other than cancellation) is recorded as
// the supervisor's first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		s.log.Debug("task started", logx.String("name", name))

		err, panicked := s.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.fail(err)
		} else {
			err = nil
		}
		s.noteStop(name, err, panicked)
		s.log.Debug("task stopped", logx.String("name", name))
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	publishFirstErr bool
	onExit          func(err error, attempt int)
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits the number of restarts before giving up. The
// initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit makes GoRestart stop (not restart) if fn returns nil.
// Default is true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// WithOnExit is called after every run that ends without cancellation,
// before the backoff sleep. attempt counts from 1.
func WithOnExit(fn func(err error, attempt int)) RestartOption {
	return func(c *restartCfg) { c.onExit = fn }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is cancelled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		backoff := cfg.minBackoff
		for attempt := 1; ; attempt++ {
			if ctx.Err() != nil {
				return
			}
			startedAt := s.noteStart(name, attempt > 1)
			err, panicked := s.run(name, fn)

			// Returning because dependencies were stopped during shutdown is
			// a clean stop, whatever the error says.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil, panicked)
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					s.noteStop(name, nil, panicked)
					return
				}
				err = errors.New("exited")
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, wrapped, panicked)
			if cfg.publishFirstErr {
				s.setErr(wrapped)
			}
			if cfg.onExit != nil {
				cfg.onExit(err, attempt)
			}

			if cfg.maxRestarts > 0 && attempt > cfg.maxRestarts {
				s.log.Error("task gave up after restarts", logx.String("name", name), logx.Int("restarts", attempt-1), logx.Err(err))
				s.fail(wrapped)
				return
			}

			// A run that lasted a while resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("task restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	}()
}

// Stop cancels the context and waits for every task.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
