package enrich

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"haulnotify/internal/alert"
	"haulnotify/internal/backend"
	"haulnotify/internal/clock"
)

type fakeProfiles struct {
	mu    sync.Mutex
	names map[string]string
	delay time.Duration
	calls int
}

func (f *fakeProfiles) Profile(ctx context.Context, id string) (backend.Profile, error) {
	f.mu.Lock()
	f.calls++
	name, ok := f.names[id]
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return backend.Profile{}, ctx.Err()
		}
	}
	if !ok {
		return backend.Profile{}, errors.New("not found")
	}
	return backend.Profile{ID: id, Name: name, Avatar: "https://cdn.example/" + id + ".png"}, nil
}

func (f *fakeProfiles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func TestEnrichFillsMissingNameAndCaches(t *testing.T) {
	t.Parallel()
	src := &fakeProfiles{names: map[string]string{"u2": "Acme Freight"}}
	fc := clock.NewFake(t0)
	e := New(src, Config{TTL: time.Minute}, WithClock(fc))

	ev := e.Enrich(context.Background(), alert.Event{SenderID: "u2", Message: "hi"})
	if ev.SenderName != "Acme Freight" || ev.SenderAvatar == "" {
		t.Fatalf("got %+v", ev)
	}
	_ = e.Enrich(context.Background(), alert.Event{SenderID: "u2"})
	if src.count() != 1 {
		t.Fatalf("calls = %d, want cached", src.count())
	}

	fc.Advance(2 * time.Minute)
	_ = e.Enrich(context.Background(), alert.Event{SenderID: "u2"})
	if src.count() != 2 {
		t.Fatalf("calls = %d, want refresh after TTL", src.count())
	}
}

func TestEnrichLeavesKnownNamesAndAnonymousEvents(t *testing.T) {
	t.Parallel()
	src := &fakeProfiles{names: map[string]string{"u2": "Acme Freight"}}
	e := New(src, Config{})

	ev := e.Enrich(context.Background(), alert.Event{SenderID: "u2", SenderName: "Dispatch"})
	if ev.SenderName != "Dispatch" {
		t.Fatalf("SenderName overwritten: %q", ev.SenderName)
	}
	_ = e.Enrich(context.Background(), alert.Event{Message: "system"})
	if src.count() != 0 {
		t.Fatalf("calls = %d, want none", src.count())
	}

	var nilEnricher *Enricher
	if got := nilEnricher.Enrich(context.Background(), alert.Event{SenderID: "u2"}); got.SenderName != "" {
		t.Fatal("nil enricher changed the event")
	}
}

func TestEnrichMissFallsBackAndIsRemembered(t *testing.T) {
	t.Parallel()
	src := &fakeProfiles{names: map[string]string{}}
	e := New(src, Config{})

	for i := 0; i < 3; i++ {
		ev := e.Enrich(context.Background(), alert.Event{SenderID: "ghost"})
		if ev.SenderName != "" {
			t.Fatalf("SenderName = %q, want empty", ev.SenderName)
		}
	}
	if src.count() != 1 {
		t.Fatalf("calls = %d, want negative cache hit", src.count())
	}
}

func TestEnrichIsBounded(t *testing.T) {
	t.Parallel()
	src := &fakeProfiles{names: map[string]string{"slow": "Slow Co"}, delay: time.Second}
	e := New(src, Config{Timeout: 20 * time.Millisecond})

	start := time.Now()
	ev := e.Enrich(context.Background(), alert.Event{SenderID: "slow"})
	if ev.SenderName != "" {
		t.Fatalf("SenderName = %q, want timeout fallback", ev.SenderName)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("lookup took %v", took)
	}
}

func TestCacheSizeCap(t *testing.T) {
	t.Parallel()
	names := map[string]string{}
	for i := 0; i < 20; i++ {
		names["u"+strconv.Itoa(i)] = "Carrier " + strconv.Itoa(i)
	}
	src := &fakeProfiles{names: names}
	fc := clock.NewFake(t0)
	e := New(src, Config{Max: 5}, WithClock(fc))
	for i := 0; i < 20; i++ {
		fc.Advance(time.Second)
		_ = e.Enrich(context.Background(), alert.Event{SenderID: "u" + strconv.Itoa(i)})
	}
	if e.Len() != 5 {
		t.Fatalf("Len = %d, want 5", e.Len())
	}
	// The newest entries survive.
	if _, ok := e.cached("u19", fc.Now()); !ok {
		t.Fatal("newest entry pruned")
	}
	if _, ok := e.cached("u0", fc.Now()); ok {
		t.Fatal("oldest entry kept")
	}
}
