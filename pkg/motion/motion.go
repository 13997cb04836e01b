// Package motion is the single gateway through which interpreted commands
// reach the planner. It applies soft limits, waits for planner space while
// servicing realtime requests, and owns the reset and homing sequences.
package motion

import (
	"context"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/limits"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/planner"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/protocol"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/reactor"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/stepper"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// dwellStep bounds the wait between realtime checkpoints of a dwell.
const dwellStep = 50 * time.Millisecond

// Gateway submits motion on behalf of the interpreter.
type Gateway struct {
	sys      *system.System
	settings *settings.Store
	planner  *planner.Planner
	stepper  stepper.Executor
	rt       *protocol.Executor
	limits   *limits.Limits
	reactor  *reactor.Reactor
	logger   *log.Logger

	syncParser func()
}

// New wires the gateway and installs Reset as the limits reset path.
func New(sys *system.System, st *settings.Store, pl *planner.Planner, ex stepper.Executor,
	rt *protocol.Executor, lim *limits.Limits) *Gateway {
	g := &Gateway{
		sys:        sys,
		settings:   st,
		planner:    pl,
		stepper:    ex,
		rt:         rt,
		limits:     lim,
		logger:     log.GetLogger("motion"),
		syncParser: func() {},
	}
	lim.SetReset(g.Reset)
	return g
}

// Attach times dwells on r. It must be called before the first Dwell.
func (g *Gateway) Attach(r *reactor.Reactor) { g.reactor = r }

// SetParserSync installs the interpreter position resync run after homing.
func (g *Gateway) SetParserSync(fn func()) { g.syncParser = fn }

// Line queues a straight move to target. It blocks while the planner is
// full and returns early if the system aborts.
func (g *Gateway) Line(target [vecmath.NAxis]float64, pl planner.LineData) {
	cfg := g.settings.Get()
	if cfg.SoftLimits() && g.sys.State() != system.StateJog {
		if g.limits.SoftCheck(target) {
			return
		}
	}
	if g.sys.State() == system.StateCheckMode {
		return
	}
	for {
		g.rt.ExecuteRealtime()
		if g.sys.Abort() {
			return
		}
		if !g.planner.Full() {
			break
		}
		g.rt.AutoCycleStart()
		g.rt.Wait()
	}
	if code := g.planner.BufferLine(target, pl); code == status.EmptyBlock {
		g.logger.Debug("zero length move to %v dropped", target)
	}
}

// Dwell waits for the queue to drain and then pauses, still servicing
// realtime requests. An abort ends the pause early.
func (g *Gateway) Dwell(seconds float64) {
	if g.sys.State() == system.StateCheckMode {
		return
	}
	g.rt.BufferSynchronize()
	if g.sys.Abort() {
		return
	}
	done := g.reactor.RegisterCallback(func(eventtime float64) interface{} {
		return eventtime
	}, g.reactor.Monotonic()+seconds)
	for !done.Test() {
		g.rt.ExecuteRealtime()
		if g.sys.Abort() {
			return
		}
		done.Wait(context.Background(), dwellStep, nil)
	}
}

// Jog queues a jog move and starts it at once when the machine is idle.
func (g *Gateway) Jog(target [vecmath.NAxis]float64, feed float64) status.Code {
	cfg := g.settings.Get()
	if cfg.SoftLimits() && !limits.WithinTravel(target, &cfg) {
		return status.TravelExceeded
	}
	g.Line(target, planner.LineData{FeedRate: feed})
	if g.sys.State() == system.StateIdle && g.planner.Current() != nil {
		g.sys.SetState(system.StateJog)
		g.stepper.PrepBuffer()
		g.stepper.WakeUp()
	}
	return status.OK
}

// HomingCycle homes the axes in mask, all axes for limits.CycleAll.
// Hard limits are disarmed for the duration.
func (g *Gateway) HomingCycle(mask uint8) {
	g.limits.Disable()
	if mask == limits.CycleAll {
		mask = limits.CycleX | limits.CycleY
	}
	g.logger.WithField("mask", mask).Info("homing")
	g.limits.GoHome(mask)

	g.rt.ExecuteRealtime()
	if g.sys.Abort() {
		return
	}
	g.syncParser()
	g.planner.SyncPosition()
	g.limits.Init()
}

// Reset kills motion and flags the reset for the realtime core. Motion
// interrupted mid-cycle leaves the position unknown, so it also raises an
// alarm. It may be called from any goroutine and more than once.
func (g *Gateway) Reset() {
	if g.sys.Exec.Has(system.ExecReset) {
		return
	}
	g.sys.Exec.Set(system.ExecReset)

	state := g.sys.State()
	if state.Any(system.StateCycle|system.StateHoming|system.StateJog) ||
		g.sys.StepControlHas(system.StepControlExecuteHold|system.StepControlExecuteSysMotion) {
		if state == system.StateHoming {
			if g.sys.Alarm() == status.AlarmNone {
				g.sys.SetAlarm(status.AlarmHomingFailReset)
			}
		} else {
			g.sys.SetAlarm(status.AlarmAbortCycle)
		}
		g.stepper.GoIdle()
	}
}
