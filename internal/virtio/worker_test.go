package virtio

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitInt32(t *testing.T, v *atomic.Int32, min int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v.Load() >= min {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("counter stuck at %d, want at least %d", v.Load(), min)
}

func TestPumpDrainOnKick(t *testing.T) {
	var runs atomic.Int32
	p := newPump(func() error { runs.Add(1); return nil }, func(error) {})
	p.start()
	defer p.stopJoin()

	p.notify()
	waitInt32(t, &runs, 1)

	for i := 0; i < 10; i++ {
		p.notify()
	}
	waitInt32(t, &runs, 2)
}

func TestPumpPauseBarrier(t *testing.T) {
	gate := make(chan struct{})
	var runs, done atomic.Int32
	p := newPump(func() error {
		runs.Add(1)
		<-gate
		done.Add(1)
		return nil
	}, func(error) {})
	p.start()

	p.notify()
	waitInt32(t, &runs, 1)

	// A pause cannot complete while a drain is in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	err := p.pause(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pause during drain = %v, want deadline exceeded", err)
	}

	// Once the drain finishes, the barrier closes.
	gate <- struct{}{}
	if err := p.pause(context.Background()); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if got := done.Load(); got != 1 {
		t.Fatalf("pause acked with %d finished drains, want 1", got)
	}

	// Paused workers ignore kicks.
	p.notify()
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("paused worker ran %d times, want 1", got)
	}

	// Resume rescans without an external kick.
	p.resume()
	waitInt32(t, &runs, 2)
	gate <- struct{}{}

	p.stopJoin()
}

func TestPumpErrorStopsWorker(t *testing.T) {
	boom := errors.New("boom")
	errCh := make(chan error, 1)
	var runs atomic.Int32
	p := newPump(func() error {
		runs.Add(1)
		return boom
	}, func(err error) { errCh <- err })
	p.start()
	p.notify()

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("reported error = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker error not reported")
	}

	// The worker is gone: kicks do nothing, pause succeeds vacuously.
	p.notify()
	time.Sleep(10 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("worker ran %d times after failing, want 1", got)
	}
	if err := p.pause(context.Background()); err != nil {
		t.Fatalf("pause on exited worker = %v, want nil", err)
	}
	p.resume()
	p.stopJoin()
}

func TestPumpStopJoinIdempotent(t *testing.T) {
	p := newPump(func() error { return nil }, func(error) {})
	p.start()
	p.stopJoin()
	p.stopJoin()
	p.notify()
}

func TestPauseAllUndoesPartialPause(t *testing.T) {
	gate := make(chan struct{})
	bStarted := make(chan struct{}, 1)
	var aRuns atomic.Int32
	a := newPump(func() error { aRuns.Add(1); return nil }, func(error) {})
	b := newPump(func() error {
		select {
		case bStarted <- struct{}{}:
		default:
		}
		<-gate
		return nil
	}, func(error) {})
	a.start()
	b.start()
	defer func() {
		close(gate)
		stopJoinAll(a, b)
	}()

	b.notify()
	select {
	case <-bStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("second worker never started draining")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := pauseAll(ctx, a, b); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pauseAll = %v, want deadline exceeded", err)
	}

	// The first worker was paused before the failure and must be
	// running again.
	a.notify()
	waitInt32(t, &aRuns, 1)
}

func TestPumpNilHandling(t *testing.T) {
	if err := pauseAll(context.Background(), nil, nil); err != nil {
		t.Fatalf("pauseAll over nil pumps = %v", err)
	}
	resumeAll(nil)
	stopJoinAll(nil)
}
