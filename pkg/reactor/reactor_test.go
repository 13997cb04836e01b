package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonotonic(t *testing.T) {
	r := New()
	defer r.End()

	t1 := r.Monotonic()
	time.Sleep(10 * time.Millisecond)
	t2 := r.Monotonic()

	if t2 <= t1 {
		t.Errorf("Monotonic time not increasing: %f <= %f", t2, t1)
	}
	if elapsed := t2 - t1; elapsed < 0.009 {
		t.Errorf("Unexpected elapsed time: %f (expected ~0.01)", elapsed)
	}
}

func TestTimer(t *testing.T) {
	r := New()

	var called atomic.Int32
	timer := r.RegisterTimer("once", func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, NOW)
	if timer == nil {
		t.Fatal("RegisterTimer returned nil")
	}

	if err := r.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 1 {
		t.Errorf("Timer callback called %d times, expected 1", called.Load())
	}
	if timer.Waketime() != NEVER {
		t.Errorf("Waketime = %f, want NEVER", timer.Waketime())
	}
}

func TestTimerRepeat(t *testing.T) {
	r := New()

	var called atomic.Int32
	r.RegisterTimer("repeat", func(eventtime float64) float64 {
		if called.Add(1) < 3 {
			return eventtime + 0.01
		}
		return NEVER
	}, NOW)

	r.Run()
	time.Sleep(100 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 3 {
		t.Errorf("Timer callback called %d times, expected 3", called.Load())
	}
}

func TestUpdateTimerWakesDispatch(t *testing.T) {
	r := New()
	defer func() { r.End(); r.Wait() }()

	fired := make(chan struct{}, 1)
	timer := r.RegisterTimer("parked", func(eventtime float64) float64 {
		fired <- struct{}{}
		return NEVER
	}, NEVER)
	r.Run()

	time.Sleep(20 * time.Millisecond)
	r.UpdateTimer(timer, NOW)

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("re-armed timer did not fire")
	}
}

func TestUnregisterTimer(t *testing.T) {
	r := New()

	var called atomic.Int32
	timer := r.RegisterTimer("gone", func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, r.Monotonic()+0.1)
	r.UnregisterTimer(timer)

	r.Run()
	time.Sleep(150 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 0 {
		t.Errorf("Timer callback called %d times after unregister, expected 0", called.Load())
	}
}

func TestPanickingTimerIsParked(t *testing.T) {
	r := New()

	var called atomic.Int32
	r.RegisterTimer("bad", func(eventtime float64) float64 {
		called.Add(1)
		panic("segment underflow")
	}, NOW)
	var healthy atomic.Int32
	r.RegisterTimer("good", func(eventtime float64) float64 {
		healthy.Add(1)
		return eventtime + 0.005
	}, NOW)

	r.Run()
	time.Sleep(60 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 1 {
		t.Errorf("panicking timer ran %d times, want 1", called.Load())
	}
	if healthy.Load() < 2 {
		t.Errorf("healthy timer ran %d times, want at least 2", healthy.Load())
	}
}

func TestCompletionWaitTimeout(t *testing.T) {
	c := &Completion{done: make(chan struct{})}

	start := time.Now()
	result := c.Wait(context.Background(), 50*time.Millisecond, "timeout")
	if result != "timeout" {
		t.Errorf("Expected 'timeout', got %v", result)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Unexpected wait time: %v", elapsed)
	}

	c.Complete("done")
	c.Complete("ignored")
	if !c.Test() {
		t.Error("Completion should be done")
	}
	if got := c.Wait(context.Background(), time.Second, nil); got != "done" {
		t.Errorf("Expected 'done', got %v", got)
	}
}

func TestRegisterCallback(t *testing.T) {
	r := New()

	completion := r.RegisterCallback(func(eventtime float64) interface{} {
		return "callback result"
	}, NOW)

	r.Run()
	got := completion.Wait(context.Background(), time.Second, nil)
	r.End()
	r.Wait()

	if got != "callback result" {
		t.Errorf("Expected 'callback result', got %v", got)
	}
	r.mu.Lock()
	n := len(r.timers)
	r.mu.Unlock()
	if n != 0 {
		t.Errorf("%d timers left registered, want 0", n)
	}
}

func TestRunAfterEnd(t *testing.T) {
	r := New()
	r.End()
	if err := r.Run(); err != ErrReactorClosed {
		t.Errorf("Run after End = %v, want ErrReactorClosed", err)
	}
}

func TestParentContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewWithContext(ctx)
	r.Run()
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reactor did not stop with its parent context")
	}
	r.Wait()
}
