package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"haulnotify/internal/alert"
	"haulnotify/internal/clock"
	"haulnotify/internal/eventbus"
)

var t0 = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestQueue(cfg Config, opts ...Option) (*Queue, *clock.Fake) {
	fc := clock.NewFake(t0)
	q := New(cfg, append([]Option{WithClock(fc)}, opts...)...)
	return q, fc
}

func chat(id string, at time.Time) alert.Event {
	return alert.Event{ID: id, Kind: alert.KindChat, SenderID: "u2", Message: "hi " + id, OccurredAt: at}
}

func ids(items []alert.Queued) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPushOrdersNewestFirst(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{})
	q.Push(chat("b", t0.Add(2*time.Second)))
	q.Push(chat("a", t0.Add(1*time.Second)))
	q.Push(chat("c", t0.Add(3*time.Second)))

	if got := ids(q.List(Filter{})); !equal(got, []string{"c", "b", "a"}) {
		t.Fatalf("List = %v", got)
	}
	item, ok := q.Get("a")
	if !ok {
		t.Fatal("Get(a) missing")
	}
	if item.Title != alert.KindChat.Label() {
		t.Fatalf("Title = %q, want generic label", item.Title)
	}
	if !item.ExpiresAt.Equal(t0.Add(8 * time.Second)) {
		t.Fatalf("ExpiresAt = %v", item.ExpiresAt)
	}
}

func TestTTLExpiryPerKind(t *testing.T) {
	t.Parallel()
	q, fc := newTestQueue(Config{TTL: map[alert.Kind]time.Duration{alert.KindSystem: 3 * time.Second}})
	q.Push(chat("chat", t0))
	q.Push(alert.Event{ID: "neg", Kind: alert.KindNegotiation, Message: "offer", OccurredAt: t0})
	q.Push(alert.Event{ID: "sys", Kind: alert.KindSystem, Message: "maintenance", OccurredAt: t0})

	fc.Advance(3 * time.Second)
	if got := ids(q.List(Filter{})); !equal(got, []string{"neg", "chat"}) && !equal(got, []string{"chat", "neg"}) {
		t.Fatalf("after 3s List = %v", got)
	}
	fc.Advance(5 * time.Second)
	if got := ids(q.List(Filter{})); !equal(got, []string{"neg"}) {
		t.Fatalf("after 8s List = %v", got)
	}
	fc.Advance(7 * time.Second)
	if q.Len() != 0 {
		t.Fatalf("after 15s Len = %d", q.Len())
	}
	if fc.Pending() != 0 {
		t.Fatalf("Pending timers = %d", fc.Pending())
	}
}

func TestMarkReadAndDismissCancelTimers(t *testing.T) {
	t.Parallel()
	q, fc := newTestQueue(Config{})
	q.Push(chat("a", t0))
	q.Push(chat("b", t0))
	if fc.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", fc.Pending())
	}

	if !q.MarkRead("a") {
		t.Fatal("MarkRead(a) = false")
	}
	if !q.Dismiss("b") {
		t.Fatal("Dismiss(b) = false")
	}
	if fc.Pending() != 0 {
		t.Fatalf("Pending after read+dismiss = %d, want 0", fc.Pending())
	}
	fc.Advance(time.Minute)

	item, ok := q.Get("a")
	if !ok || !item.Read {
		t.Fatalf("read entry should linger: ok=%v item=%+v", ok, item)
	}
	if q.Dismiss("b") || q.MarkRead("missing") {
		t.Fatal("operations on unknown ids must report false")
	}
}

func TestThreadSupersession(t *testing.T) {
	t.Parallel()
	q, fc := newTestQueue(Config{})
	first := alert.Event{ID: "n1", Kind: alert.KindNegotiation, ThreadKey: "bid-7", Message: "900", OccurredAt: t0}
	other := alert.Event{ID: "c1", Kind: alert.KindChat, ThreadKey: "bid-7", Message: "hello", OccurredAt: t0}
	second := alert.Event{ID: "n2", Kind: alert.KindNegotiation, ThreadKey: "bid-7", Message: "950", OccurredAt: t0.Add(time.Second)}

	q.Push(first)
	q.Push(other)
	res := q.Push(second)
	if !equal(res.Superseded, []string{"n1"}) {
		t.Fatalf("Superseded = %v", res.Superseded)
	}
	if got := ids(q.List(Filter{})); !equal(got, []string{"n2", "c1"}) {
		t.Fatalf("List = %v", got)
	}
	if fc.Pending() != 2 {
		t.Fatalf("Pending = %d, superseded timer should be cancelled", fc.Pending())
	}

	// An older message of the same thread does not replace the live one.
	res = q.Push(alert.Event{ID: "n0", Kind: alert.KindNegotiation, ThreadKey: "bid-7", Message: "850", OccurredAt: t0.Add(-time.Second)})
	if res.Queued || !res.Outdated {
		t.Fatalf("older push = %+v, want outdated", res)
	}
	if got := ids(q.List(Filter{})); !equal(got, []string{"n2", "c1"}) {
		t.Fatalf("List after outdated push = %v", got)
	}

	// A read sibling is not superseded.
	q.MarkRead("n2")
	res = q.Push(alert.Event{ID: "n3", Kind: alert.KindNegotiation, ThreadKey: "bid-7", Message: "1000", OccurredAt: t0.Add(2 * time.Second)})
	if len(res.Superseded) != 0 {
		t.Fatalf("read entry superseded: %v", res.Superseded)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
}

func TestCapacityEvictsReadFirst(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{Capacity: 3})
	q.Push(chat("a", t0))
	q.Push(chat("b", t0.Add(1*time.Second)))
	q.Push(chat("c", t0.Add(2*time.Second)))
	q.MarkRead("b")

	res := q.Push(chat("d", t0.Add(3*time.Second)))
	if !equal(res.Evicted, []string{"b"}) {
		t.Fatalf("Evicted = %v, want read entry b", res.Evicted)
	}
	res = q.Push(chat("e", t0.Add(4*time.Second)))
	if !equal(res.Evicted, []string{"a"}) {
		t.Fatalf("Evicted = %v, want oldest unread a", res.Evicted)
	}
	if got := ids(q.List(Filter{})); !equal(got, []string{"e", "d", "c"}) {
		t.Fatalf("List = %v", got)
	}
}

func TestBoundedQueueManyPushes(t *testing.T) {
	t.Parallel()
	q, fc := newTestQueue(Config{})
	for i := 0; i < 20; i++ {
		q.Push(chat(fmt.Sprint(i), t0.Add(time.Duration(i)*time.Second)))
	}
	if q.Len() != DefaultCapacity {
		t.Fatalf("Len = %d, want %d", q.Len(), DefaultCapacity)
	}
	if fc.Pending() != DefaultCapacity {
		t.Fatalf("Pending = %d, evicted timers leaked", fc.Pending())
	}
}

func TestPushOlderThanEverythingIntoFullQueue(t *testing.T) {
	t.Parallel()
	q, fc := newTestQueue(Config{Capacity: 2})
	q.Push(chat("a", t0))
	q.Push(chat("b", t0))
	res := q.Push(chat("old", t0.Add(-time.Minute)))
	if res.Queued {
		t.Fatal("entry evicted on arrival must not report Queued")
	}
	if fc.Pending() != 2 {
		t.Fatalf("Pending = %d", fc.Pending())
	}
}

func TestDismissAllAndClose(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	q, fc := newTestQueue(Config{}, WithBus(bus))
	for i := 0; i < 4; i++ {
		q.Push(chat(fmt.Sprint(i), t0))
	}
	if n := q.DismissAll(); n != 4 {
		t.Fatalf("DismissAll = %d", n)
	}
	if q.Len() != 0 || fc.Pending() != 0 {
		t.Fatalf("Len=%d Pending=%d after DismissAll", q.Len(), fc.Pending())
	}

	q.Push(chat("x", t0))
	q.Close()
	if fc.Pending() != 0 {
		t.Fatal("Close must cancel timers")
	}
	if res := q.Push(chat("y", t0)); res.Queued {
		t.Fatal("push after Close must be ignored")
	}

	var cleared bool
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.QueueCleared {
				cleared = true
			}
			continue
		default:
		}
		break
	}
	if !cleared {
		t.Fatal("queue.cleared not published")
	}
}

func TestEffectsAreIsolated(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var fired []string
	ok := EffectFunc{Label: "ok", Fn: func(ctx context.Context, n alert.Queued) error {
		mu.Lock()
		fired = append(fired, n.ID)
		mu.Unlock()
		return nil
	}}
	failing := EffectFunc{Label: "fail", Fn: func(context.Context, alert.Queued) error { return errors.New("speaker unplugged") }}
	panicking := EffectFunc{Label: "panic", Fn: func(context.Context, alert.Queued) error { panic("boom") }}

	q, _ := newTestQueue(Config{EffectsPerSec: 100, EffectsBurst: 100}, WithEffects(failing, panicking, ok))
	q.Push(chat("a", t0))
	q.Push(chat("b", t0))
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 2 {
		t.Fatalf("ok effect fired %d times, want 2", len(fired))
	}
}

func TestEffectsThrottled(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	n := 0
	count := EffectFunc{Label: "count", Fn: func(context.Context, alert.Queued) error {
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	}}
	q, _ := newTestQueue(Config{EffectsPerSec: 0.001, EffectsBurst: 1}, WithEffects(count))
	for i := 0; i < 5; i++ {
		q.Push(chat(fmt.Sprint(i), t0))
	}
	q.Close()
	if q.Len() != 0 {
		t.Fatal("Close should drop entries")
	}
	mu.Lock()
	defer mu.Unlock()
	if n != 1 {
		t.Fatalf("effect fired %d times, want 1", n)
	}
}

func TestApplyDuringPushes(t *testing.T) {
	t.Parallel()
	noop := EffectFunc{Label: "noop", Fn: func(context.Context, alert.Queued) error { return nil }}
	q, _ := newTestQueue(Config{Capacity: 4}, WithEffects(noop))
	before := q.limiter

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			q.Push(chat(fmt.Sprint("p", i), t0.Add(time.Duration(i)*time.Millisecond)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			q.Apply(Config{Capacity: 2 + i%3, EffectsPerSec: float64(1 + i%5), EffectsBurst: 1 + i%4})
		}
	}()
	wg.Wait()

	q.Apply(Config{EffectsPerSec: 50, EffectsBurst: 7})
	if q.limiter != before {
		t.Fatal("Apply replaced the limiter")
	}
	if q.limiter.Limit() != 50 || q.limiter.Burst() != 7 {
		t.Fatalf("limiter = %v/%d, want 50/7", q.limiter.Limit(), q.limiter.Burst())
	}
	q.Close()
}
