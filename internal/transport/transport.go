// Package transport connects the core to the marketplace push channel. A
// Channel is one connection attempt; Runner keeps it alive.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"haulnotify/internal/alert"
	"haulnotify/internal/eventbus"
	rtsup "haulnotify/internal/runtime/supervisor"
	logx "haulnotify/pkg/logx"
)

// Handler receives raw events on the channel's goroutine. It must not block
// for long.
type Handler func(alert.Raw)

// Channel is a single push-channel connection.
type Channel interface {
	Name() string
	// Run connects, calls connected once the subscription is live, and
	// delivers events until ctx is cancelled or the connection fails.
	Run(ctx context.Context, h Handler, connected func()) error
}

var ErrClosed = errors.New("transport: connection closed by peer")

type RunnerConfig struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxFailures is how many consecutive failed attempts are tolerated
	// before the runner gives up. A successful connection resets the count.
	// 0 means unlimited.
	MaxFailures int
}

// Status is the connectivity indicator shown by the surface.
type Status struct {
	Channel    string    `json:"channel"`
	Connected  bool      `json:"connected"`
	Since      time.Time `json:"since,omitempty"`
	Reconnects int       `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
	GaveUp     bool      `json:"gave_up,omitempty"`
}

// Runner runs a Channel under a supervisor, reconnecting with bounded
// backoff and publishing connectivity changes on the bus.
type Runner struct {
	ch  Channel
	cfg RunnerConfig
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	status   Status
	failures int
}

func NewRunner(ch Channel, cfg RunnerConfig, log logx.Logger, bus eventbus.Bus) *Runner {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		ch:     ch,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "transport"), logx.String("channel", ch.Name())),
		bus:    bus,
		status: Status{Channel: ch.Name()},
	}
}

// Start schedules the connection loop on sup.
func (r *Runner) Start(sup *rtsup.Supervisor, h Handler) {
	sup.GoRestart("transport."+r.ch.Name(), func(ctx context.Context) error {
		err := r.ch.Run(ctx, h, r.up)
		if ctx.Err() != nil {
			r.down(nil)
			return ctx.Err()
		}
		if err == nil {
			err = ErrClosed
		}
		if r.down(err) {
			r.log.Error("giving up on push channel; polling only", logx.Err(err), logx.Int("failures", r.cfg.MaxFailures))
			return nil
		}
		return err
	},
		rtsup.WithRestartBackoff(r.cfg.MinBackoff, r.cfg.MaxBackoff),
		rtsup.WithStopOnCleanExit(true),
	)
}

func (r *Runner) up() {
	r.mu.Lock()
	wasUp := r.status.Connected
	r.status.Connected = true
	r.status.Since = time.Now()
	r.status.LastError = ""
	r.failures = 0
	st := r.status
	r.mu.Unlock()

	if !wasUp {
		r.log.Info("push channel connected")
		eventbus.Emit(r.bus, eventbus.TransportConnected, st)
	}
}

// down records a failed or finished attempt and reports whether the runner
// should give up.
func (r *Runner) down(err error) bool {
	r.mu.Lock()
	wasUp := r.status.Connected
	r.status.Connected = false
	r.status.Since = time.Now()
	giveUp := false
	if err != nil {
		r.status.LastError = err.Error()
		r.status.Reconnects++
		r.failures++
		if r.cfg.MaxFailures > 0 && r.failures >= r.cfg.MaxFailures {
			r.status.GaveUp = true
			giveUp = true
		}
	}
	st := r.status
	r.mu.Unlock()

	if wasUp {
		r.log.Warn("push channel disconnected", logx.Err(err))
		eventbus.Emit(r.bus, eventbus.TransportDisconnected, st)
	} else if err != nil {
		r.log.Debug("push channel attempt failed", logx.Err(err))
	}
	return giveUp
}

func (r *Runner) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Connected
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
