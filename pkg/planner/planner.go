// Package planner keeps the ring buffer of pending linear moves and plans
// their entry speeds so that no move ever has to decelerate faster than its
// acceleration limit. Speeds are stored squared, in (mm/min)^2; square roots
// are left to the stepper executor.
package planner

import (
	"math"
	"sync"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// BufferSize is the ring capacity. One slot always stays empty, so at
// most BufferSize-1 blocks are queued.
const BufferSize = 16

const (
	minimumJunctionSpeed = 0.0 // mm/min
	minimumFeedRate      = 1.0 // mm/min
)

// Line condition flags.
const (
	CondRapidMotion  uint8 = 1 << 0
	CondSystemMotion uint8 = 1 << 1
	CondInverseTime  uint8 = 1 << 3
)

// LineData describes the motion requested for one target.
type LineData struct {
	FeedRate  float64 // mm/min, or 1/min with CondInverseTime; ignored for rapids
	Condition uint8
}

// Block is one planned linear move.
type Block struct {
	// Bresenham data, fixed once queued.
	Steps          [vecmath.NAxis]uint32
	StepEventCount uint32
	DirectionBits  uint8
	Condition      uint8

	EntrySpeedSqr       float64
	MaxEntrySpeedSqr    float64
	MaxJunctionSpeedSqr float64
	Acceleration        float64 // mm/min^2
	// Millimeters is the distance left to run. The stepper executor
	// shortens it as the block is consumed.
	Millimeters    float64
	RapidRate      float64
	ProgrammedRate float64

	UnitVec [vecmath.NAxis]float64
}

// Executor is notified when replanning reaches the block being executed,
// so it can rebuild that block's velocity profile. It is called with the
// planner locked and must not call back into it.
type Executor interface {
	UpdatePlanBlockParameters()
}

// Stats exposes planner instrumentation.
type Stats struct {
	// ReversePassVisits counts blocks whose entry speed the reverse
	// pass recomputed since the last Reset.
	ReversePassVisits int
	BlocksQueued      int
}

// Planner owns the block ring. It is driven from the main loop; the mutex
// only guards readers on other goroutines (status, API).
type Planner struct {
	mu       sync.Mutex
	settings *settings.Store
	sys      *system.System
	exec     Executor

	buf      [BufferSize]Block
	tail     int
	head     int
	nextHead int
	planned  int

	// Last planned position in steps and the previous move's direction and
	// nominal speed, for junction planning.
	position           [vecmath.NAxis]int32
	previousUnitVec    [vecmath.NAxis]float64
	previousNominalSpd float64

	stats Stats
}

// New returns an empty planner reading machine limits from s. System
// motions start from the machine position held by sys.
func New(s *settings.Store, sys *system.System) *Planner {
	p := &Planner{settings: s, sys: sys}
	p.Reset()
	return p
}

// SetExecutor registers the block consumer.
func (p *Planner) SetExecutor(e Executor) { p.exec = e }

func next(i int) int {
	i++
	if i == BufferSize {
		return 0
	}
	return i
}

func prev(i int) int {
	if i == 0 {
		return BufferSize - 1
	}
	return i - 1
}

// Reset clears the buffer and the planned position.
func (p *Planner) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = [vecmath.NAxis]int32{}
	p.previousUnitVec = [vecmath.NAxis]float64{}
	p.previousNominalSpd = 0
	p.stats = Stats{}
	p.resetBufferLocked()
}

// ResetBuffer clears the queued blocks only.
func (p *Planner) ResetBuffer() {
	p.mu.Lock()
	p.resetBufferLocked()
	p.mu.Unlock()
}

func (p *Planner) resetBufferLocked() {
	p.tail, p.head, p.nextHead, p.planned = 0, 0, 1, 0
}

// Current returns the block being executed, or nil when empty.
func (p *Planner) Current() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == p.tail {
		return nil
	}
	return &p.buf[p.tail]
}

// SystemMotionBlock returns the block written by the last system-motion
// BufferLine. It lives in the head slot and is never queued.
func (p *Planner) SystemMotionBlock() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &p.buf[p.head]
}

// Discard drops the executed block.
func (p *Planner) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == p.tail {
		return
	}
	n := next(p.tail)
	if p.tail == p.planned {
		p.planned = n
	}
	p.tail = n
}

// Full reports whether BufferLine would have no slot.
func (p *Planner) Full() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tail == p.nextHead
}

// Available returns the number of free slots.
func (p *Planner) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head >= p.tail {
		return BufferSize - 1 - (p.head - p.tail)
	}
	return p.tail - p.head - 1
}

// Count returns the number of queued blocks.
func (p *Planner) Count() int { return BufferSize - 1 - p.Available() }

// Stats returns a copy of the instrumentation counters.
func (p *Planner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Blocks returns copies of the queued blocks, oldest first.
func (p *Planner) Blocks() []Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Block
	for i := p.tail; i != p.head; i = next(i) {
		out = append(out, p.buf[i])
	}
	return out
}

// ExecBlockExitSpeedSqr returns the entry speed of the block after the
// executing one, or zero when there is none.
func (p *Planner) ExecBlockExitSpeedSqr() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := next(p.tail)
	if i == p.head {
		return 0
	}
	return p.buf[i].EntrySpeedSqr
}

// SyncPosition sets the planned position to the machine position.
func (p *Planner) SyncPosition() {
	pos := p.sys.Position()
	p.mu.Lock()
	p.position = pos
	p.mu.Unlock()
}

// Position returns the planned position in millimeters.
func (p *Planner) Position() [vecmath.NAxis]float64 {
	s := p.settings.Get()
	p.mu.Lock()
	defer p.mu.Unlock()
	var mm [vecmath.NAxis]float64
	for i := range mm {
		mm[i] = float64(p.position[i]) / s.StepsPerMM[i]
	}
	return mm
}

// ComputeProfileNominalSpeed returns the block's cruise speed: its
// programmed rate capped by the axis-limited rapid rate, floored at
// the minimum feed rate.
func ComputeProfileNominalSpeed(b *Block) float64 {
	nominal := b.ProgrammedRate
	if nominal > b.RapidRate {
		nominal = b.RapidRate
	}
	if nominal > minimumFeedRate {
		return nominal
	}
	return minimumFeedRate
}

func computeProfileParameters(b *Block, nominal, prevNominal float64) {
	if nominal > prevNominal {
		b.MaxEntrySpeedSqr = prevNominal * prevNominal
	} else {
		b.MaxEntrySpeedSqr = nominal * nominal
	}
	if b.MaxEntrySpeedSqr > b.MaxJunctionSpeedSqr {
		b.MaxEntrySpeedSqr = b.MaxJunctionSpeedSqr
	}
}

// BufferLine plans a move from the last planned position to target (mm).
// It returns status.EmptyBlock for a move shorter than one step. The
// caller must check Full first.
func (p *Planner) BufferLine(target [vecmath.NAxis]float64, pl LineData) status.Code {
	s := p.settings.Get()
	p.mu.Lock()
	defer p.mu.Unlock()

	b := &p.buf[p.head]
	*b = Block{Condition: pl.Condition}

	start := p.position
	if pl.Condition&CondSystemMotion != 0 {
		start = p.sys.Position()
	}

	var targetSteps [vecmath.NAxis]int32
	var unit [vecmath.NAxis]float64
	for i := 0; i < vecmath.NAxis; i++ {
		targetSteps[i] = int32(math.Round(target[i] * s.StepsPerMM[i]))
		d := targetSteps[i] - start[i]
		if d < 0 {
			b.Steps[i] = uint32(-d)
			b.DirectionBits |= 1 << uint(i)
		} else {
			b.Steps[i] = uint32(d)
		}
		if b.Steps[i] > b.StepEventCount {
			b.StepEventCount = b.Steps[i]
		}
		unit[i] = float64(d) / s.StepsPerMM[i]
	}
	if b.StepEventCount == 0 {
		return status.EmptyBlock
	}

	b.Millimeters = vecmath.UnitVector(unit[:])
	b.UnitVec = unit
	b.Acceleration = vecmath.LimitByAxisMaximum(s.Acceleration[:], unit[:])
	b.RapidRate = vecmath.LimitByAxisMaximum(s.MaxRate[:], unit[:])
	if pl.Condition&CondRapidMotion != 0 {
		b.ProgrammedRate = b.RapidRate
	} else {
		b.ProgrammedRate = pl.FeedRate
		if pl.Condition&CondInverseTime != 0 {
			b.ProgrammedRate *= b.Millimeters
		}
	}

	if p.head == p.tail || pl.Condition&CondSystemMotion != 0 {
		// Starting from rest.
		b.EntrySpeedSqr = 0
		b.MaxJunctionSpeedSqr = 0
	} else {
		b.MaxJunctionSpeedSqr = junctionSpeedSqr(p.previousUnitVec, unit, s.Acceleration, s.JunctionDeviation)
	}

	if pl.Condition&CondSystemMotion != 0 {
		return status.OK
	}

	nominal := ComputeProfileNominalSpeed(b)
	computeProfileParameters(b, nominal, p.previousNominalSpd)
	p.previousNominalSpd = nominal
	p.previousUnitVec = unit
	p.position = targetSteps

	p.head = p.nextHead
	p.nextHead = next(p.head)
	p.stats.BlocksQueued++
	p.recalculate()
	return status.OK
}

// junctionSpeedSqr applies the junction deviation cornering rule between
// the previous and the new unit vector.
func junctionSpeedSqr(prevUnit, unit [vecmath.NAxis]float64, accel [vecmath.NAxis]float64, deviation float64) float64 {
	var junctionUnit [vecmath.NAxis]float64
	cosTheta := 0.0
	for i := range unit {
		cosTheta -= prevUnit[i] * unit[i]
		junctionUnit[i] = unit[i] - prevUnit[i]
	}
	switch {
	case cosTheta > 0.999999:
		// Full reversal.
		return minimumJunctionSpeed * minimumJunctionSpeed
	case cosTheta < -0.999999:
		// Straight line.
		return vecmath.SomeLargeValue
	}
	vecmath.UnitVector(junctionUnit[:])
	junctionAccel := vecmath.LimitByAxisMaximum(accel[:], junctionUnit[:])
	sinThetaD2 := math.Sqrt(0.5 * (1 - cosTheta))
	v2 := junctionAccel * deviation * sinThetaD2 / (1 - sinThetaD2)
	return math.Max(minimumJunctionSpeed*minimumJunctionSpeed, v2)
}

// recalculate runs the reverse pass from the newest block back to the
// planned pointer, then the forward pass that advances the planned pointer
// over blocks that can no longer improve.
func (p *Planner) recalculate() {
	idx := prev(p.head)
	if idx == p.planned {
		return
	}

	// The newest block always exits at rest.
	cur := &p.buf[idx]
	cur.EntrySpeedSqr = math.Min(cur.MaxEntrySpeedSqr, 2*cur.Acceleration*cur.Millimeters)
	p.stats.ReversePassVisits++

	idx = prev(idx)
	if idx == p.planned {
		if idx == p.tail {
			p.notifyExecutor()
		}
	} else {
		for idx != p.planned {
			nxt := cur
			cur = &p.buf[idx]
			idx = prev(idx)
			if idx == p.tail {
				p.notifyExecutor()
			}
			if cur.EntrySpeedSqr == cur.MaxEntrySpeedSqr {
				continue
			}
			p.stats.ReversePassVisits++
			entry := math.Min(cur.MaxEntrySpeedSqr, nxt.EntrySpeedSqr+2*cur.Acceleration*cur.Millimeters)
			if entry == cur.EntrySpeedSqr {
				// Unchanged: every earlier block was planned against this value.
				break
			}
			cur.EntrySpeedSqr = entry
		}
	}

	nxt := &p.buf[p.planned]
	idx = next(p.planned)
	for idx != p.head {
		cur := nxt
		nxt = &p.buf[idx]
		if cur.EntrySpeedSqr < nxt.EntrySpeedSqr {
			entry := cur.EntrySpeedSqr + 2*cur.Acceleration*cur.Millimeters
			if entry < nxt.EntrySpeedSqr {
				nxt.EntrySpeedSqr = entry
				p.planned = idx
			}
		}
		if nxt.EntrySpeedSqr == nxt.MaxEntrySpeedSqr {
			p.planned = idx
		}
		idx = next(idx)
	}
}

func (p *Planner) notifyExecutor() {
	if p.exec != nil {
		p.exec.UpdatePlanBlockParameters()
	}
}

// UpdateVelocityProfileParameters recomputes every queued block's maximum
// entry speed from its nominal speed and its predecessor's.
func (p *Planner) UpdateVelocityProfileParameters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	prevNominal := vecmath.SomeLargeValue
	for i := p.tail; i != p.head; i = next(i) {
		b := &p.buf[i]
		nominal := ComputeProfileNominalSpeed(b)
		computeProfileParameters(b, nominal, prevNominal)
		prevNominal = nominal
	}
	p.previousNominalSpd = prevNominal
}

// CycleReinitialize replans the whole buffer around a partially executed
// tail block after a hold. The executor must already have stored the
// block's remaining distance and its current speed as entry speed.
func (p *Planner) CycleReinitialize() {
	if p.exec != nil {
		p.exec.UpdatePlanBlockParameters()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planned = p.tail
	p.recalculate()
}
