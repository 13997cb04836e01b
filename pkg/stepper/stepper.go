// Package stepper defines the contract between the realtime core and the
// step pulse generator, and provides a simulated generator.
//
// The simulator keeps the two-sided structure of a firmware step engine:
// PrepBuffer runs on the main loop and slices planner blocks into short
// constant-time segments; Tick plays the timer interrupt and executes one
// segment of Bresenham step events. A reactor timer calls Tick at the
// segment's duration divided by the configured time scale.
package stepper

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/planner"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/reactor"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// Executor is what the realtime core needs from a step generator.
type Executor interface {
	// PrepBuffer keeps the segment buffer filled from the planner.
	PrepBuffer()
	// WakeUp enables the drivers and starts executing segments.
	WakeUp()
	// GoIdle stops execution and applies the idle lock policy.
	GoIdle()
	// Reset stops execution and discards all segment state.
	Reset()
	// UpdatePlanBlockParameters marks the executing block for a new
	// velocity profile, e.g. when a hold starts.
	UpdatePlanBlockParameters()
	// RealtimeRate returns the current feed rate in mm/min.
	RealtimeRate() float64
}

const (
	// SegmentBufferSize is the number of prepared segments.
	SegmentBufferSize = 6

	accelerationTicksPerSecond = 100
	// dtSegment is the nominal segment duration in minutes.
	dtSegment            = 1.0 / (accelerationTicksPerSecond * 60.0)
	reqMMIncrementScalar = 1.25
	idleLockForever      = 255
	// stallDt is how long Tick waits for prep when the segment buffer is
	// empty mid-motion.
	stallDt = dtSegment / 20
)

type rampType int

const (
	rampAccel rampType = iota
	rampCruise
	rampDecel
	rampDecelOverride
)

const (
	prepFlagRecalculate   uint8 = 1 << 0
	prepFlagDecelOverride uint8 = 1 << 3
)

// stBlock is the Bresenham data of one planner block, with counts doubled
// so the counters can start at the midpoint.
type stBlock struct {
	steps          [vecmath.NAxis]uint32
	stepEventCount uint32
	directionBits  uint8
}

type segment struct {
	nStep      uint32
	dt         float64 // minutes
	blockIndex int
}

type prepState struct {
	stBlockIndex int
	recalculate  uint8

	dtRemainder    float64
	stepsRemaining float64
	stepPerMM      float64
	reqMMIncrement float64

	ramp            rampType
	mmComplete      float64
	currentSpeed    float64
	maximumSpeed    float64
	exitSpeed       float64
	accelerateUntil float64
	decelerateAfter float64
}

// StepHook runs after every step event with the simulator locked. It must
// not call into the simulator. Returning true stops execution and runs the
// trip handler once the lock is released.
type StepHook func() bool

// Options configures a Simulator.
type Options struct {
	// TimeScale speeds up (>1) or slows down segment playback.
	TimeScale float64
}

// Simulator is a software step generator.
type Simulator struct {
	sys      *system.System
	planner  *planner.Planner
	settings *settings.Store
	logger   *log.Logger
	opts     Options

	// Prep side, main loop only.
	prep    prepState
	plBlock *planner.Block

	mu          sync.Mutex
	blocks      [SegmentBufferSize - 1]stBlock
	segs        [SegmentBufferSize]segment
	segTail     int
	segHead     int
	segNextHead int

	// Interrupt side.
	running        bool
	execSeg        bool
	execBlockIndex int
	execBlock      *stBlock
	stepCount      uint32
	counter        [vecmath.NAxis]uint32

	enabled  atomic.Bool
	physical [vecmath.NAxis]atomic.Int32
	rate     atomic.Uint64
	steps    atomic.Uint64

	hook StepHook
	trip func()

	reactor   *reactor.Reactor
	stepTimer *reactor.Timer
	idleTimer *reactor.Timer
}

var _ Executor = (*Simulator)(nil)

// NewSimulator creates an idle simulator and registers it with the planner.
func NewSimulator(sys *system.System, pl *planner.Planner, st *settings.Store, opts Options) *Simulator {
	if opts.TimeScale <= 0 {
		opts.TimeScale = 1
	}
	s := &Simulator{
		sys:      sys,
		planner:  pl,
		settings: st,
		logger:   log.GetLogger("stepper"),
		opts:     opts,
	}
	s.resetLocked()
	pl.SetExecutor(s)
	return s
}

// SetStepHook installs the per-step limit poll and its trip handler.
func (s *Simulator) SetStepHook(hook StepHook, trip func()) {
	s.mu.Lock()
	s.hook, s.trip = hook, trip
	s.mu.Unlock()
}

// Attach drives Tick from r.
func (s *Simulator) Attach(r *reactor.Reactor) {
	s.reactor = r
	s.stepTimer = r.RegisterTimer("step", s.stepEvent, reactor.NEVER)
	s.idleTimer = r.RegisterTimer("idle-lock", func(float64) float64 {
		s.mu.Lock()
		if !s.running {
			s.enabled.Store(false)
		}
		s.mu.Unlock()
		return reactor.NEVER
	}, reactor.NEVER)
}

func (s *Simulator) stepEvent(eventtime float64) float64 {
	dt, ok := s.Tick()
	if !ok {
		return reactor.NEVER
	}
	return eventtime + dt*60/s.opts.TimeScale
}

// DriversEnabled reports the stepper enable output.
func (s *Simulator) DriversEnabled() bool { return s.enabled.Load() }

// Running reports whether segments are being executed.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StepsExecuted returns the number of step events run so far.
func (s *Simulator) StepsExecuted() uint64 { return s.steps.Load() }

// PhysicalPosition returns the simulated carriage position in millimeters.
// Homing rewrites machine coordinates but never moves this frame.
func (s *Simulator) PhysicalPosition() [vecmath.NAxis]float64 {
	spm := s.settings.Get().StepsPerMM
	var mm [vecmath.NAxis]float64
	for i := range mm {
		mm[i] = float64(s.physical[i].Load()) / spm[i]
	}
	return mm
}

// WakeUp implements Executor.
func (s *Simulator) WakeUp() {
	s.enabled.Store(true)
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	if s.stepTimer != nil {
		s.reactor.UpdateTimer(s.stepTimer, reactor.NOW)
	}
}

// GoIdle implements Executor.
func (s *Simulator) GoIdle() {
	s.mu.Lock()
	s.goIdleLocked()
	s.mu.Unlock()
}

func (s *Simulator) goIdleLocked() {
	s.running = false
	cfg := s.settings.Get()
	state := s.sys.State()
	disable := (cfg.StepperIdleLockTime != idleLockForever || s.sys.Alarm() != 0 || state == system.StateSleep) &&
		state != system.StateHoming
	if !disable {
		return
	}
	if s.idleTimer != nil && cfg.StepperIdleLockTime > 0 {
		s.reactor.UpdateTimer(s.idleTimer, s.reactor.Monotonic()+float64(cfg.StepperIdleLockTime)/1000)
		return
	}
	s.enabled.Store(false)
}

// Reset implements Executor.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goIdleLocked()
	s.resetLocked()
}

func (s *Simulator) resetLocked() {
	s.prep = prepState{}
	s.plBlock = nil
	s.segTail, s.segHead, s.segNextHead = 0, 0, 1
	s.execSeg = false
	s.execBlock = nil
	s.execBlockIndex = 0
	s.stepCount = 0
	s.counter = [vecmath.NAxis]uint32{}
	s.rate.Store(0)
}

// UpdatePlanBlockParameters implements Executor. The planner calls it with
// its own lock held.
func (s *Simulator) UpdatePlanBlockParameters() {
	if s.plBlock == nil {
		return
	}
	s.prep.recalculate |= prepFlagRecalculate
	s.plBlock.EntrySpeedSqr = s.prep.currentSpeed * s.prep.currentSpeed
	s.plBlock = nil
}

// RealtimeRate implements Executor.
func (s *Simulator) RealtimeRate() float64 {
	if s.sys.State().Any(system.StateCycle | system.StateHoming | system.StateHold | system.StateJog) {
		return math.Float64frombits(s.rate.Load())
	}
	return 0
}

func (s *Simulator) segmentSlotFree() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segTail != s.segNextHead
}

// PrepBuffer implements Executor.
func (s *Simulator) PrepBuffer() {
	if s.sys.StepControlHas(system.StepControlEndMotion) {
		return
	}
	for s.segmentSlotFree() {
		if s.plBlock == nil {
			if s.sys.StepControlHas(system.StepControlExecuteSysMotion) {
				s.plBlock = s.planner.SystemMotionBlock()
			} else {
				s.plBlock = s.planner.Current()
			}
			if s.plBlock == nil {
				return
			}
			if s.prep.recalculate&prepFlagRecalculate != 0 {
				// Resume the block in progress with a new profile.
				s.prep.recalculate = 0
			} else {
				s.loadBlock(s.plBlock)
			}
			s.computeProfile(s.plBlock)
		}
		if !s.prepSegment() {
			return
		}
	}
}

func (s *Simulator) loadBlock(b *planner.Block) {
	s.prep.stBlockIndex++
	if s.prep.stBlockIndex == len(s.blocks) {
		s.prep.stBlockIndex = 0
	}
	st := stBlock{directionBits: b.DirectionBits, stepEventCount: b.StepEventCount << 1}
	for i := range st.steps {
		st.steps[i] = b.Steps[i] << 1
	}
	s.mu.Lock()
	s.blocks[s.prep.stBlockIndex] = st
	s.mu.Unlock()

	s.prep.stepsRemaining = float64(b.StepEventCount)
	s.prep.stepPerMM = s.prep.stepsRemaining / b.Millimeters
	s.prep.reqMMIncrement = reqMMIncrementScalar / s.prep.stepPerMM
	s.prep.dtRemainder = 0

	if s.sys.StepControlHas(system.StepControlExecuteHold) || s.prep.recalculate&prepFlagDecelOverride != 0 {
		// Loaded mid-hold: keep decelerating from the previous exit speed.
		s.prep.currentSpeed = s.prep.exitSpeed
		b.EntrySpeedSqr = s.prep.exitSpeed * s.prep.exitSpeed
		s.prep.recalculate &^= prepFlagDecelOverride
	} else {
		s.prep.currentSpeed = math.Sqrt(b.EntrySpeedSqr)
	}
}

// computeProfile fits a trapezoid (or a forced deceleration during a hold)
// to the remaining distance of b.
func (s *Simulator) computeProfile(b *planner.Block) {
	p := &s.prep
	p.mmComplete = 0
	inv2Accel := 0.5 / b.Acceleration

	if s.sys.StepControlHas(system.StepControlExecuteHold) {
		p.ramp = rampDecel
		decelDist := b.Millimeters - inv2Accel*b.EntrySpeedSqr
		if decelDist < 0 {
			// The hold does not end within this block.
			p.exitSpeed = math.Sqrt(b.EntrySpeedSqr - 2*b.Acceleration*b.Millimeters)
		} else {
			p.mmComplete = decelDist
			p.exitSpeed = 0
		}
		return
	}

	p.ramp = rampAccel
	p.accelerateUntil = b.Millimeters
	var exitSqr float64
	if s.sys.StepControlHas(system.StepControlExecuteSysMotion) {
		p.exitSpeed = 0
	} else {
		exitSqr = s.planner.ExecBlockExitSpeedSqr()
		p.exitSpeed = math.Sqrt(exitSqr)
	}
	nominal := planner.ComputeProfileNominalSpeed(b)
	nominalSqr := nominal * nominal
	intersect := 0.5 * (b.Millimeters + inv2Accel*(b.EntrySpeedSqr-exitSqr))

	switch {
	case b.EntrySpeedSqr > nominalSqr:
		p.accelerateUntil = b.Millimeters - inv2Accel*(b.EntrySpeedSqr-nominalSqr)
		if p.accelerateUntil <= 0 {
			p.ramp = rampDecel
			p.exitSpeed = math.Sqrt(b.EntrySpeedSqr - 2*b.Acceleration*b.Millimeters)
			p.recalculate |= prepFlagDecelOverride
		} else {
			p.decelerateAfter = inv2Accel * (nominalSqr - exitSqr)
			p.maximumSpeed = nominal
			p.ramp = rampDecelOverride
		}
	case intersect > 0:
		if intersect < b.Millimeters {
			p.decelerateAfter = inv2Accel * (nominalSqr - exitSqr)
			if p.decelerateAfter < intersect {
				// Trapezoid.
				p.maximumSpeed = nominal
				if b.EntrySpeedSqr == nominalSqr {
					p.ramp = rampCruise
				} else {
					p.accelerateUntil -= inv2Accel * (nominalSqr - b.EntrySpeedSqr)
				}
			} else {
				// Triangle.
				p.accelerateUntil = intersect
				p.decelerateAfter = intersect
				p.maximumSpeed = math.Sqrt(2*b.Acceleration*intersect + exitSqr)
			}
		} else {
			p.ramp = rampDecel
		}
	default:
		// Acceleration only.
		p.accelerateUntil = 0
		p.decelerateAfter = 0
		p.maximumSpeed = p.exitSpeed
	}
}

// prepSegment appends one segment. It returns false when prep must stop:
// the end of a hold or of a system motion.
func (s *Simulator) prepSegment() bool {
	b := s.plBlock
	p := &s.prep

	dtMax := dtSegment
	dt := 0.0
	timeVar := dtMax
	mmRemaining := b.Millimeters
	minimumMM := math.Max(mmRemaining-p.reqMMIncrement, 0)

	for {
		switch p.ramp {
		case rampDecelOverride:
			speedVar := b.Acceleration * timeVar
			mmVar := timeVar * (p.currentSpeed - 0.5*speedVar)
			mmRemaining -= mmVar
			if mmRemaining < p.accelerateUntil || mmVar <= 0 {
				mmRemaining = p.accelerateUntil
				timeVar = 2 * (b.Millimeters - mmRemaining) / (p.currentSpeed + p.maximumSpeed)
				p.ramp = rampCruise
				p.currentSpeed = p.maximumSpeed
			} else {
				p.currentSpeed -= speedVar
			}
		case rampAccel:
			speedVar := b.Acceleration * timeVar
			mmRemaining -= timeVar * (p.currentSpeed + 0.5*speedVar)
			if mmRemaining < p.accelerateUntil {
				mmRemaining = p.accelerateUntil
				timeVar = 2 * (b.Millimeters - mmRemaining) / (p.currentSpeed + p.maximumSpeed)
				if mmRemaining == p.decelerateAfter {
					p.ramp = rampDecel
				} else {
					p.ramp = rampCruise
				}
				p.currentSpeed = p.maximumSpeed
			} else {
				p.currentSpeed += speedVar
			}
		case rampCruise:
			mmVar := mmRemaining - p.maximumSpeed*timeVar
			if mmVar < p.decelerateAfter {
				timeVar = (mmRemaining - p.decelerateAfter) / p.maximumSpeed
				mmRemaining = p.decelerateAfter
				p.ramp = rampDecel
			} else {
				mmRemaining = mmVar
			}
		default:
			speedVar := b.Acceleration * timeVar
			done := true
			if p.currentSpeed > speedVar {
				mmVar := mmRemaining - timeVar*(p.currentSpeed-0.5*speedVar)
				if mmVar > p.mmComplete {
					mmRemaining = mmVar
					p.currentSpeed -= speedVar
					done = false
				}
			}
			if done {
				// End of block or of the forced deceleration.
				timeVar = 2 * (mmRemaining - p.mmComplete) / (p.currentSpeed + p.exitSpeed)
				mmRemaining = p.mmComplete
				p.currentSpeed = p.exitSpeed
			}
		}
		dt += timeVar
		if dt < dtMax {
			timeVar = dtMax - dt
		} else if mmRemaining > minimumMM {
			// Too slow for a step this segment; stretch it.
			dtMax += dtSegment
			timeVar = dtMax - dt
		} else {
			break
		}
		if mmRemaining <= p.mmComplete {
			break
		}
	}
	s.rate.Store(math.Float64bits(p.currentSpeed))

	stepDistRemaining := p.stepPerMM * mmRemaining
	nStepsRemaining := math.Ceil(stepDistRemaining)
	lastNStepsRemaining := math.Ceil(p.stepsRemaining)
	nStep := uint32(lastNStepsRemaining - nStepsRemaining)

	if nStep == 0 && s.sys.StepControlHas(system.StepControlExecuteHold) {
		// Less than a step left to stop in: hold ends here.
		s.sys.AddStepControl(system.StepControlEndMotion)
		return false
	}

	dt += p.dtRemainder
	invRate := 0.0
	if d := lastNStepsRemaining - stepDistRemaining; d > 0 {
		invRate = dt / d
	}

	s.mu.Lock()
	s.segs[s.segHead] = segment{nStep: nStep, dt: dt, blockIndex: p.stBlockIndex}
	s.segHead = s.segNextHead
	s.segNextHead++
	if s.segNextHead == SegmentBufferSize {
		s.segNextHead = 0
	}
	s.mu.Unlock()

	b.Millimeters = mmRemaining
	p.stepsRemaining = nStepsRemaining
	p.dtRemainder = (nStepsRemaining - stepDistRemaining) * invRate

	if mmRemaining == p.mmComplete {
		if mmRemaining > 0 {
			// End of a forced deceleration; the rest of the block waits for
			// the resume.
			s.sys.AddStepControl(system.StepControlEndMotion)
			return false
		}
		if s.sys.StepControlHas(system.StepControlExecuteSysMotion) {
			s.sys.AddStepControl(system.StepControlEndMotion)
			return false
		}
		s.plBlock = nil
		s.planner.Discard()
	}
	return true
}

// moreToCome reports whether prep will still produce segments for the
// current motion.
func (s *Simulator) moreToCome() bool {
	if s.sys.StepControlHas(system.StepControlEndMotion) {
		return false
	}
	return s.planner.Count() > 0 || s.sys.StepControlHas(system.StepControlExecuteSysMotion)
}

// Tick executes the next segment. It returns the segment duration in
// minutes, or ok=false when stopped or out of segments; running dry
// raises cycle stop.
func (s *Simulator) Tick() (dt float64, ok bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0, false
	}
	if s.segTail == s.segHead {
		if s.moreToCome() {
			// Prep fell behind. A firmware engine would underrun here; the
			// simulator waits for the main loop instead.
			s.mu.Unlock()
			return stallDt, true
		}
		s.goIdleLocked()
		s.mu.Unlock()
		s.sys.Exec.Set(system.ExecCycleStop)
		return 0, false
	}

	seg := s.segs[s.segTail]
	if s.execBlock == nil || s.execBlockIndex != seg.blockIndex {
		s.execBlockIndex = seg.blockIndex
		s.execBlock = &s.blocks[seg.blockIndex]
		for i := range s.counter {
			s.counter[i] = s.execBlock.stepEventCount >> 1
		}
	}
	blk := s.execBlock
	homing := s.sys.State() == system.StateHoming

	tripped := false
	for n := uint32(0); n < seg.nStep; n++ {
		lock := s.sys.HomingAxisLock()
		for axis := 0; axis < vecmath.NAxis; axis++ {
			s.counter[axis] += blk.steps[axis]
			if s.counter[axis] <= blk.stepEventCount {
				continue
			}
			s.counter[axis] -= blk.stepEventCount
			delta := int32(1)
			if blk.directionBits&(1<<uint(axis)) != 0 {
				delta = -1
			}
			s.sys.Step(axis, delta)
			if !homing || lock&(1<<uint(axis)) != 0 {
				s.physical[axis].Add(delta)
			}
		}
		s.steps.Add(1)
		if s.hook != nil && s.hook() {
			tripped = true
			break
		}
	}

	s.segTail++
	if s.segTail == SegmentBufferSize {
		s.segTail = 0
	}
	trip := s.trip
	s.mu.Unlock()

	if tripped {
		if trip != nil {
			trip()
		}
		return 0, false
	}
	return seg.dt, true
}
