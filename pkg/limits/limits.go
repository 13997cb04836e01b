// Package limits reads the limit switches and implements soft limits, the
// hard-limit trip and the homing cycle.
package limits

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/endstop"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/planner"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/stepper"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

const (
	// searchScalar stretches the first approach past the travel so a switch
	// is found from anywhere on the axis.
	searchScalar = 1.5
	// locateScalar bounds the slow approach, in pulloff distances.
	locateScalar = 5.0
	// locateCycles is the number of slow approach/pulloff pairs.
	locateCycles = 1

	pollInterval = 200 * time.Microsecond
)

// Homing cycle masks.
const (
	CycleAll uint8 = 0
	CycleX   uint8 = 1 << 0
	CycleY   uint8 = 1 << 1
)

// Realtime drains pending realtime requests.
type Realtime interface {
	ExecuteRealtime()
}

// Limits owns the switch inputs of the machine.
type Limits struct {
	sys      *system.System
	settings *settings.Store
	planner  *planner.Planner
	stepper  stepper.Executor
	switches *endstop.EndstopGroup
	rt       Realtime
	reset    func()
	logger   *log.Logger

	// hardEnabled mirrors the armed state of the hard-limit input.
	hardEnabled atomic.Bool
	// approaching is set while a homing approach is in progress; the step
	// hook then locks out axes as their switch closes.
	approaching atomic.Bool
}

// New creates the limits handler. reset is the motion-control reset and
// is set with SetReset before any motion runs.
func New(sys *system.System, st *settings.Store, pl *planner.Planner, ex stepper.Executor,
	switches *endstop.EndstopGroup, rt Realtime) *Limits {
	l := &Limits{
		sys:      sys,
		settings: st,
		planner:  pl,
		stepper:  ex,
		switches: switches,
		rt:       rt,
		reset:    func() {},
		logger:   log.GetLogger("limits"),
	}
	st.OnChange(func(param int, _ settings.Settings) {
		if param == settings.HardLimitEnable || param < 0 {
			l.Init()
		}
	})
	return l
}

// SetReset installs the motion-control reset used on trips and failures.
func (l *Limits) SetReset(fn func()) { l.reset = fn }

// Init arms the hard-limit input when $21 is on.
func (l *Limits) Init() {
	on := l.settings.Get().HardLimits()
	l.hardEnabled.Store(on)
	l.logger.Debug("hard limits armed: %v", on)
}

// Disable disarms the hard-limit input, e.g. for the homing cycle.
func (l *Limits) Disable() { l.hardEnabled.Store(false) }

// Armed reports whether a closing switch trips a hard limit.
func (l *Limits) Armed() bool { return l.hardEnabled.Load() }

// GetState returns the triggered switches as an axis bitmask. $5 selects
// the pin polarity.
func (l *Limits) GetState() uint8 {
	pins := l.switches.Levels()
	if !l.settings.Get().InvertLimitPins() {
		pins ^= uint8(system.AxisMaskAll)
	}
	return pins
}

// WithinTravel reports whether target lies inside the machine travel,
// which spans [max_travel, 0] on every axis.
func WithinTravel(target [vecmath.NAxis]float64, cfg *settings.Settings) bool {
	for i := range target {
		if target[i] > 0 || target[i] < cfg.MaxTravel[i] {
			return false
		}
	}
	return true
}

// SoftCheck raises the soft limit alarm when target leaves the travel.
// A running cycle is first brought to a controlled stop so no position
// is lost. It reports whether target was out of range.
func (l *Limits) SoftCheck(target [vecmath.NAxis]float64) bool {
	cfg := l.settings.Get()
	if WithinTravel(target, &cfg) {
		return false
	}
	if l.sys.State() == system.StateCheckMode {
		return true
	}
	l.logger.WithField("target", target).Warn("soft limit")
	l.sys.SetSoftLimit(true)
	if l.sys.State() == system.StateCycle {
		l.sys.Exec.Set(system.ExecFeedHold)
		for l.sys.State() != system.StateIdle {
			l.rt.ExecuteRealtime()
			if l.sys.Abort() {
				return true
			}
			time.Sleep(pollInterval)
		}
	}
	l.reset()
	l.sys.SetAlarm(status.AlarmSoftLimit)
	l.rt.ExecuteRealtime()
	return true
}

// StepHook runs after every step event. During a homing approach it locks
// out axes whose switch closed; otherwise it reports a hard-limit trip.
func (l *Limits) StepHook() bool {
	state := l.sys.State()
	if state == system.StateHoming {
		if l.approaching.Load() {
			lock := l.sys.HomingAxisLock()
			if pins := l.GetState(); lock&pins != 0 {
				l.sys.SetHomingAxisLock(lock &^ pins)
			}
		}
		return false
	}
	if !l.hardEnabled.Load() || state == system.StateAlarm || l.sys.Alarm() != status.AlarmNone {
		return false
	}
	return l.GetState() != 0
}

// Trip handles a hard-limit event: kill motion and raise the alarm.
func (l *Limits) Trip() {
	if l.sys.Alarm() != status.AlarmNone {
		return
	}
	l.logger.WithField("pins", l.GetState()).Warn("hard limit triggered")
	l.reset()
	l.sys.SetAlarm(status.AlarmHardLimit)
}

// GoHome homes the axes in cycleMask: a seek approach, a pulloff, then
// locateCycles slow approach/pulloff pairs. On failure it raises the
// matching alarm, resets and returns with the system aborting.
func (l *Limits) GoHome(cycleMask uint8) {
	if l.sys.Abort() {
		return
	}
	cfg := l.settings.Get()
	pl := planner.LineData{Condition: planner.CondSystemMotion}

	var maxTravel float64
	for idx := 0; idx < vecmath.NAxis; idx++ {
		if cycleMask&(1<<uint(idx)) != 0 {
			maxTravel = math.Max(maxTravel, -searchScalar*cfg.MaxTravel[idx])
		}
	}

	approach := true
	homingRate := cfg.HomingSeekRate
	defer l.approaching.Store(false)

	for phase := 0; phase <= 2*locateCycles+1; phase++ {
		target := system.StepsToMM(l.sys.Position(), cfg.StepsPerMM)
		var axislock uint8
		nActive := 0
		for idx := 0; idx < vecmath.NAxis; idx++ {
			bit := uint8(1) << uint(idx)
			if cycleMask&bit == 0 {
				continue
			}
			nActive++
			l.sys.SetAxisPosition(idx, 0)
			negative := cfg.HomingDirMask&bit != 0
			if negative == approach {
				target[idx] = -maxTravel
			} else {
				target[idx] = maxTravel
			}
			axislock |= bit
		}
		homingRate *= math.Sqrt(float64(nActive))
		l.sys.SetHomingAxisLock(axislock)
		l.approaching.Store(approach)

		pl.FeedRate = homingRate
		if !l.runPhase(target, pl, cycleMask, approach) {
			return
		}

		l.stepper.Reset()
		l.sys.Exec.Clear(system.ExecCycleStop)
		time.Sleep(time.Duration(cfg.HomingDebounceDelay) * time.Millisecond)

		approach = !approach
		if approach {
			maxTravel = cfg.HomingPulloff * locateScalar
			homingRate = cfg.HomingFeedRate
		} else {
			maxTravel = cfg.HomingPulloff
			homingRate = cfg.HomingSeekRate
		}
	}

	// The switches now sit one pulloff away from the machine origin side.
	for idx := 0; idx < vecmath.NAxis; idx++ {
		bit := uint8(1) << uint(idx)
		if cycleMask&bit == 0 {
			continue
		}
		var mm float64
		if cfg.HomingDirMask&bit != 0 {
			mm = cfg.MaxTravel[idx] + cfg.HomingPulloff
		} else {
			mm = -cfg.HomingPulloff
		}
		l.sys.SetAxisPosition(idx, int32(math.Round(mm*cfg.StepsPerMM[idx])))
	}
	l.sys.SetStepControl(system.StepControlNormal)
	l.sys.SetHomingAxisLock(uint8(system.AxisMaskAll))
	l.logger.WithField("mask", cycleMask).Infof("homing cycle complete at %v steps", l.sys.Position())
}

// runPhase plans one homing move and follows it until the cycle axes are
// locked out or the move ends. It returns false after a failure.
func (l *Limits) runPhase(target [vecmath.NAxis]float64, pl planner.LineData, cycleMask uint8, approach bool) bool {
	if l.planner.BufferLine(target, pl) != status.OK {
		// Nothing to travel: an approach cannot find its switch.
		l.sys.Exec.Set(system.ExecCycleStop)
	} else {
		l.sys.SetStepControl(system.StepControlExecuteSysMotion)
		l.stepper.PrepBuffer()
		l.stepper.WakeUp()
	}

	for {
		l.stepper.PrepBuffer()

		if rt := l.sys.Exec.Load(); rt&(system.ExecReset|system.ExecCycleStop) != 0 {
			if rt&system.ExecReset != 0 {
				l.sys.SetAlarm(status.AlarmHomingFailReset)
			}
			if !approach && l.GetState()&cycleMask != 0 {
				l.sys.SetAlarm(status.AlarmHomingFailPulloff)
			}
			if approach && rt&system.ExecCycleStop != 0 {
				l.sys.SetAlarm(status.AlarmHomingFailApproach)
			}
			if a := l.sys.Alarm(); a != status.AlarmNone {
				l.logger.WithField("alarm", uint8(a)).Warn("homing failed")
				l.reset()
				l.rt.ExecuteRealtime()
				return false
			}
			l.sys.Exec.Clear(system.ExecCycleStop)
			return true
		}
		// The step hook clears lock bits as switches close.
		if approach && l.sys.HomingAxisLock()&cycleMask == 0 {
			return true
		}
		time.Sleep(pollInterval)
	}
}
