package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { panic("nil deref") })
	s.Go("fine", func(ctx context.Context) error { return nil })

	err := s.Wait(waitCtx(t))
	if err == nil || s.Panics() != 1 {
		t.Fatalf("Wait = %v, panics = %d", err, s.Panics())
	}
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	// no new goroutines after stop
	var ran atomic.Bool
	s.Go("late", func(ctx context.Context) error { ran.Store(true); return nil })
	_ = s.Wait(waitCtx(t))
	if ran.Load() {
		t.Fatal("goroutine started after Stop")
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(ctx context.Context) error { return errors.New("bind: address in use") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatal("expected first error")
	}
}

func TestRunningTracksNames(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, name := range []string{"batch:a", "batch:b"} {
		s.Go(name, func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	<-started
	<-started
	if got := s.Running("batch:"); len(got) != 2 || got[0] != "batch:a" {
		t.Fatalf("Running = %v", got)
	}
	close(release)
	_ = s.Wait(waitCtx(t))
	if got := s.Running(""); len(got) != 0 {
		t.Fatalf("Running after wait = %v", got)
	}
}

func TestGoRestart(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("watch", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("watcher closed")
		}
		return nil
	}, RestartPolicy{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}

	s2 := New(context.Background())
	s2.GoRestart("flaky", func(ctx context.Context) error { panic("again") },
		RestartPolicy{MinBackoff: time.Millisecond, MaxRestarts: 2})
	if err := s2.Wait(waitCtx(t)); err == nil {
		t.Fatal("expected give-up error")
	}
	if s2.Panics() != 3 {
		t.Fatalf("panics = %d, want 3", s2.Panics())
	}
}
