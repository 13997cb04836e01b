// Package reactor runs timer callbacks on one dispatch goroutine. The
// simulated step interrupt, the driver idle-lock delay and dwell ends are
// all timers here, so their callbacks never overlap.
//
// Times are seconds on the reactor's monotonic clock.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	hosterr "github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// maxIdle bounds a single dispatch sleep so clock drift never strands a
// timer for long.
const maxIdle = time.Second

var ErrReactorClosed = errors.New("reactor: reactor closed")

// TimerCallback is called when a timer fires. It returns the next wake
// time, or NEVER to park the timer until UpdateTimer re-arms it.
type TimerCallback func(eventtime float64) float64

// Timer represents a registered timer.
type Timer struct {
	id       uint64
	name     string
	callback TimerCallback
	mu       sync.Mutex
	waketime float64
	running  bool
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Completion carries the result of a one-shot callback.
type Completion struct {
	result interface{}
	done   chan struct{}
	once   sync.Once
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete stores the result and releases waiters. Later calls are ignored.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done, the timeout expires or ctx is
// cancelled. It returns timeoutResult in the latter two cases.
func (c *Completion) Wait(ctx context.Context, timeout time.Duration, timeoutResult interface{}) interface{} {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.done:
		return c.result
	case <-t.C:
		return timeoutResult
	case <-ctx.Done():
		return timeoutResult
	}
}

// Reactor owns the timers and the dispatch goroutine.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64

	// kick interrupts the dispatch sleep after a timer is added or moved
	// earlier.
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup
	start   time.Time
	logger  *log.Logger
}

// New creates a stopped reactor.
func New() *Reactor {
	return NewWithContext(context.Background())
}

// NewWithContext creates a reactor that stops when parent is cancelled.
func NewWithContext(parent context.Context) *Reactor {
	ctx, cancel := context.WithCancel(parent)
	return &Reactor{
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
		logger: log.GetLogger("reactor"),
	}
}

// Monotonic returns the reactor clock.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.start).Seconds()
}

// Done is closed when the reactor stops.
func (r *Reactor) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Reactor) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// RegisterTimer adds a named timer first firing at waketime.
func (r *Reactor) RegisterTimer(name string, callback TimerCallback, waketime float64) *Timer {
	t := r.newTimer(name, waketime)
	t.callback = callback
	r.addTimer(t)
	return t
}

func (r *Reactor) newTimer(name string, waketime float64) *Timer {
	return &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		name:     name,
		waketime: waketime,
	}
}

func (r *Reactor) addTimer(t *Timer) {
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.wake()
}

// UnregisterTimer removes a timer. A callback already running completes.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer moves a timer's wake time. While the timer's own callback
// runs, the callback's return value takes precedence unless waketime is
// earlier.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	timer.waketime = waketime
	timer.mu.Unlock()
	r.wake()
}

// RegisterCallback runs callback once at waketime on the dispatch
// goroutine and returns its completion.
func (r *Reactor) RegisterCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	c := &Completion{done: make(chan struct{})}
	t := r.newTimer("callback", waketime)
	t.callback = func(eventtime float64) float64 {
		c.Complete(callback(eventtime))
		r.UnregisterTimer(t)
		return NEVER
	}
	r.addTimer(t)
	return c
}

// Run starts the dispatch goroutine.
func (r *Reactor) Run() error {
	if r.ctx.Err() != nil {
		return ErrReactorClosed
	}
	if r.running.Swap(true) {
		return nil
	}
	r.wg.Add(1)
	go r.dispatchLoop()
	return nil
}

// End stops the reactor.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch goroutine has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()
	for r.running.Load() {
		delay := r.checkTimers(r.Monotonic())
		if delay <= 0 {
			continue
		}
		d := time.Duration(delay * float64(time.Second))
		if d > maxIdle {
			d = maxIdle
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-r.kick:
		case <-r.ctx.Done():
			t.Stop()
			return
		}
		t.Stop()
	}
}

// checkTimers fires every due timer and returns the delay until the next.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.mu.Unlock()

	next := NEVER
	for _, t := range timers {
		t.mu.Lock()
		if eventtime >= t.waketime {
			t.waketime = NEVER
			t.running = true
			t.mu.Unlock()

			nw := r.fire(t, eventtime)

			t.mu.Lock()
			t.running = false
			if nw < t.waketime {
				t.waketime = nw
			}
		}
		if t.waketime < next {
			next = t.waketime
		}
		t.mu.Unlock()
	}
	return next - r.Monotonic()
}

// fire runs one callback. A panicking timer is parked and logged instead of
// taking the dispatch goroutine down.
func (r *Reactor) fire(t *Timer, eventtime float64) (next float64) {
	defer func() {
		if err := hosterr.RecoverPanic(recover()); err != nil {
			r.logger.WithError(err).WithField("timer", t.name).Error("timer callback panicked")
			next = NEVER
		}
	}()
	return t.callback(eventtime)
}
