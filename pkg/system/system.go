// Package system holds the machine-wide runtime registers: the state
// machine, the asynchronous exec and alarm flags, the suspend and
// step-control flags and the step-counted machine position.
//
// Every register is atomic. Exec and alarm flags may be raised from any
// goroutine (transports, the stepper, timers) and are consumed by the main
// loop's realtime executor.
package system

import (
	"strings"
	"sync/atomic"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// State is a bitflag set; Idle is the empty set.
type State uint8

const (
	StateIdle      State = 0
	StateAlarm     State = 1 << 0
	StateCheckMode State = 1 << 1
	StateHoming    State = 1 << 2
	StateCycle     State = 1 << 3
	StateHold      State = 1 << 4
	StateJog       State = 1 << 5
	StateSleep     State = 1 << 7
)

var stateNames = []struct {
	s    State
	name string
}{
	{StateAlarm, "Alarm"},
	{StateCheckMode, "Check"},
	{StateHoming, "Home"},
	{StateCycle, "Run"},
	{StateHold, "Hold"},
	{StateJog, "Jog"},
	{StateSleep, "Sleep"},
}

func (s State) String() string {
	if s == StateIdle {
		return "Idle"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Any reports whether s shares a bit with mask.
func (s State) Any(mask State) bool { return s&mask != 0 }

// Exec flags.
const (
	ExecStatusReport uint32 = 1 << 0
	ExecCycleStart   uint32 = 1 << 1
	ExecCycleStop    uint32 = 1 << 2
	ExecFeedHold     uint32 = 1 << 3
	ExecReset        uint32 = 1 << 4
	ExecMotionCancel uint32 = 1 << 6
	ExecSleep        uint32 = 1 << 7
)

// Suspend flags.
const (
	SuspendHoldComplete uint8 = 1 << 0
	SuspendMotionCancel uint8 = 1 << 6
	SuspendJogCancel    uint8 = 1 << 7
)

// Step control flags.
const (
	StepControlNormal           uint8 = 0
	StepControlEndMotion        uint8 = 1 << 0
	StepControlExecuteHold      uint8 = 1 << 1
	StepControlExecuteSysMotion uint8 = 1 << 2
)

// Flags is an atomic bit register.
type Flags struct{ v atomic.Uint32 }

func (f *Flags) Load() uint32         { return f.v.Load() }
func (f *Flags) Store(v uint32)       { f.v.Store(v) }
func (f *Flags) Has(bits uint32) bool { return f.v.Load()&bits != 0 }

// Set ORs bits into the register.
func (f *Flags) Set(bits uint32) {
	for {
		old := f.v.Load()
		if f.v.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// Clear removes bits from the register.
func (f *Flags) Clear(bits uint32) {
	for {
		old := f.v.Load()
		if f.v.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// System is the runtime register file.
type System struct {
	state       atomic.Uint32
	suspend     atomic.Uint32
	stepControl atomic.Uint32
	abort       atomic.Bool
	softLimit   atomic.Bool

	// Exec holds pending realtime requests.
	Exec Flags
	// alarm holds the pending alarm code, zero when none.
	alarm atomic.Uint32

	position [vecmath.NAxis]atomic.Int32
	// homingAxisLock masks the axes the executor may step. All ones
	// outside homing.
	homingAxisLock atomic.Uint32
}

func New() *System {
	s := &System{}
	s.homingAxisLock.Store(AxisMaskAll)
	return s
}

// AxisMaskAll selects every axis.
const AxisMaskAll uint32 = 1<<vecmath.NAxis - 1

func (s *System) State() State        { return State(s.state.Load()) }
func (s *System) SetState(st State)   { s.state.Store(uint32(st)) }
func (s *System) Abort() bool         { return s.abort.Load() }
func (s *System) SetAbort(v bool)     { s.abort.Store(v) }
func (s *System) SoftLimit() bool     { return s.softLimit.Load() }
func (s *System) SetSoftLimit(v bool) { s.softLimit.Store(v) }

func (s *System) Suspend() uint8             { return uint8(s.suspend.Load()) }
func (s *System) SetSuspend(v uint8)         { s.suspend.Store(uint32(v)) }
func (s *System) AddSuspend(bits uint8)      { s.suspend.Or(uint32(bits)) }
func (s *System) SuspendHas(bits uint8) bool { return uint8(s.suspend.Load())&bits != 0 }

func (s *System) StepControl() uint8             { return uint8(s.stepControl.Load()) }
func (s *System) SetStepControl(v uint8)         { s.stepControl.Store(uint32(v)) }
func (s *System) AddStepControl(bits uint8)      { s.stepControl.Or(uint32(bits)) }
func (s *System) ClearStepControl(bits uint8)    { s.stepControl.And(^uint32(bits)) }
func (s *System) StepControlHas(bits uint8) bool { return uint8(s.stepControl.Load())&bits != 0 }

// SetAlarm records a pending alarm. Any goroutine may call it.
func (s *System) SetAlarm(a status.Alarm) { s.alarm.Store(uint32(a)) }

// Alarm returns the pending alarm.
func (s *System) Alarm() status.Alarm { return status.Alarm(s.alarm.Load()) }

// ClearAlarm drops the pending alarm.
func (s *System) ClearAlarm() { s.alarm.Store(0) }

// HomingAxisLock returns the mask of axes still allowed to step.
func (s *System) HomingAxisLock() uint8 { return uint8(s.homingAxisLock.Load()) }

// SetHomingAxisLock sets the mask of axes allowed to step.
func (s *System) SetHomingAxisLock(mask uint8) { s.homingAxisLock.Store(uint32(mask)) }

// Position returns the machine position in steps.
func (s *System) Position() [vecmath.NAxis]int32 {
	var p [vecmath.NAxis]int32
	for i := range p {
		p[i] = s.position[i].Load()
	}
	return p
}

// SetPosition overwrites the machine position in steps.
func (s *System) SetPosition(p [vecmath.NAxis]int32) {
	for i := range p {
		s.position[i].Store(p[i])
	}
}

// SetAxisPosition overwrites one axis of the machine position.
func (s *System) SetAxisPosition(axis int, steps int32) { s.position[axis].Store(steps) }

// Step moves one axis by delta steps.
func (s *System) Step(axis int, delta int32) { s.position[axis].Add(delta) }

// MachinePosition converts the step position to millimeters.
func (s *System) MachinePosition(stepsPerMM [vecmath.NAxis]float64) [vecmath.NAxis]float64 {
	return StepsToMM(s.Position(), stepsPerMM)
}

// StepsToMM converts a step vector to millimeters.
func StepsToMM(steps [vecmath.NAxis]int32, stepsPerMM [vecmath.NAxis]float64) [vecmath.NAxis]float64 {
	var mm [vecmath.NAxis]float64
	for i := range mm {
		mm[i] = float64(steps[i]) / stepsPerMM[i]
	}
	return mm
}

// Reinit clears every register except the state, which carries over a
// soft reset, and the machine position.
func (s *System) Reinit() {
	s.suspend.Store(0)
	s.stepControl.Store(0)
	s.abort.Store(false)
	s.softLimit.Store(false)
	s.Exec.Store(0)
	s.alarm.Store(0)
	s.homingAxisLock.Store(AxisMaskAll)
}
