package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"haulnotify/internal/alert"
	"haulnotify/internal/eventbus"
	rtsup "haulnotify/internal/runtime/supervisor"
	logx "haulnotify/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	historyMax  = 300
	sendTimeout = 10 * time.Second
)

// Service implements an async delivery pipeline:
// queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use. It also satisfies queue.Effect, so it can be
// attached to the notification queue directly.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	kinds   map[alert.Kind]bool
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan alert.Queued
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the notifier's internal supervisor (nil if not
// started), for /healthz.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps rate, retry and kind settings. Workers and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.kinds = nil
	if len(cfg.Kinds) > 0 {
		s.kinds = make(map[alert.Kind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			s.kinds[k] = true
		}
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes go out together.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan alert.Queued, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best-effort and must not take down the core.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.String("sender", s.sender.Name()), logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes so workers can
		// drain it.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues n for delivery. Kinds outside the configured set are
// skipped silently.
func (s *Service) Notify(ctx context.Context, n alert.Queued) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.kinds != nil && !s.kinds[n.Kind] {
		s.mu.Unlock()
		return nil
	}
	q := s.queue
	channel := s.sender.Name()
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		s.emit("notifier.queued", channel, n, nil)
		return nil
	default:
		s.emit("notifier.dropped", channel, n, ErrQueueFull)
		return ErrQueueFull
	}
}

// Name and Fire make the service a queue effect.
func (s *Service) Name() string { return "notifier" }

func (s *Service) Fire(ctx context.Context, n alert.Queued) error {
	err := s.Notify(ctx, n)
	if errors.Is(err, ErrDisabled) {
		return nil
	}
	return err
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n alert.Queued) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ID: n.ID, Title: n.Title})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan alert.Queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, n)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, n alert.Queued) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(runCtx, sendTimeout)
		err := sender.Send(callCtx, n)
		cancel()
		if err == nil {
			s.appendHistory(n)
			s.emit("notifier.sent", sender.Name(), n, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.String("id", n.ID), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	if lastErr != nil {
		s.log.Warn("notify delivery failed", logx.String("id", n.ID), logx.Err(lastErr))
		s.emit("notifier.failed", sender.Name(), n, lastErr)
	}
}

func (s *Service) emit(typ, channel string, n alert.Queued, err error) {
	ev := NotificationEvent{Channel: channel, ID: n.ID, ThreadKey: n.ThreadKey, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(s.bus, typ, ev)
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > maxD {
		d = maxD
	}
	return d
}
