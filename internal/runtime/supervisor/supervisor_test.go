package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRestartBacksOffAndGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	var exits atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("dial refused")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithOnExit(func(err error, attempt int) { exits.Add(1) }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("Wait should report the final error")
	}
	if runs.Load() != 3 || exits.Load() != 3 {
		t.Fatalf("runs=%d exits=%d, want 3/3", runs.Load(), exits.Load())
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Restarts != 2 || snap.Tasks[0].Running {
		t.Fatalf("Snapshot = %+v", snap)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { panic("nil map") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("panic should cancel the supervisor")
	}
	if err := s.Wait(context.Background()); err == nil {
		t.Fatal("expected first error")
	}
	if s.Snapshot().Tasks[0].Panics != 1 {
		t.Fatalf("Snapshot = %+v", s.Snapshot())
	}
}

func TestStopIsClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("once", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}
