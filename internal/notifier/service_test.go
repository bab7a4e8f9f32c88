package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"haulnotify/internal/alert"
	"haulnotify/internal/eventbus"
	logx "haulnotify/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
	gate  chan struct{}
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(ctx context.Context, n alert.Queued) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("429 too many requests")
	}
	f.sent = append(f.sent, n.ID)
	return nil
}

func (f *fakeSender) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), f.calls
}

func item(id string, kind alert.Kind) alert.Queued {
	return alert.Queued{Event: alert.Event{ID: id, Kind: kind, Message: "m"}, Title: "t"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyDeliversWithRetry(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2}
	bus := eventbus.New()
	events, unsub := bus.SubscribePrefix("notifier.", 16)
	defer unsub()

	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, snd, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), item("n1", alert.KindChat)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "delivery", func() bool {
		sent, _ := snd.snapshot()
		return len(sent) == 1
	})
	if _, calls := snd.snapshot(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].ID != "n1" {
		t.Fatalf("history = %+v", h)
	}

	var types []string
	waitFor(t, "events", func() bool {
		select {
		case e := <-events:
			types = append(types, e.Type)
		default:
		}
		return len(types) == 2
	})
	seen := map[string]bool{types[0]: true, types[1]: true}
	if !seen["notifier.queued"] || !seen["notifier.sent"] {
		t.Fatalf("events = %v", types)
	}
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 10}
	bus := eventbus.New()
	events, unsub := bus.SubscribePrefix("notifier.failed", 4)
	defer unsub()
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 1, RetryBase: time.Millisecond}, snd, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Notify(context.Background(), item("n1", alert.KindChat))
	select {
	case e := <-events:
		if ev, ok := e.Data.(NotificationEvent); !ok || ev.ID != "n1" || ev.Error == "" {
			t.Fatalf("failed event = %+v", e.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no failure event")
	}
	if _, calls := snd.snapshot(); calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}

	off := New(Config{}, snd, logx.Nop(), nil)
	if err := off.Notify(context.Background(), item("x", alert.KindChat)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	if err := off.Fire(context.Background(), item("x", alert.KindChat)); err != nil {
		t.Fatalf("Fire on disabled notifier = %v, want nil", err)
	}

	s := New(Config{Enabled: true}, snd, logx.Nop(), nil)
	if err := s.Notify(context.Background(), item("x", alert.KindChat)); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), item("x", alert.KindChat)); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
}

func TestNotifyQueueFull(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{gate: make(chan struct{})}
	s := New(Config{Enabled: true, QueueSize: 1, RatePerSec: 100}, snd, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(snd.gate)
		s.Stop(context.Background())
	}()

	// The worker holds one item at the gate; the queue holds one more.
	var full error
	for i := 0; i < 5 && full == nil; i++ {
		if err := s.Notify(context.Background(), item("q", alert.KindChat)); errors.Is(err, ErrQueueFull) {
			full = err
		}
	}
	if full == nil {
		t.Fatal("expected ErrQueueFull")
	}
}

func TestNotifyFiltersKinds(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 100, Kinds: []alert.Kind{alert.KindNegotiation}}, snd, logx.Nop(), nil)
	s.Start(context.Background())

	_ = s.Notify(context.Background(), item("chat", alert.KindChat))
	_ = s.Notify(context.Background(), item("offer", alert.KindNegotiation))
	s.Stop(context.Background())

	sent, _ := snd.snapshot()
	if len(sent) != 1 || sent[0] != "offer" {
		t.Fatalf("sent = %v, want only the negotiation", sent)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter band", d)
	}
}
