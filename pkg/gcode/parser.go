// Package gcode interprets G-code blocks. A block is scanned into words,
// checked as a whole against the committed modal state, and only then
// committed: state changes, coordinate writes and motion requests all
// happen after the last check has passed.
package gcode

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/coords"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/planner"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

const (
	maxLineNumber = 10000000
	mmPerInch     = 25.4

	// JogPrefix starts a jog line.
	JogPrefix = "$J="
)

// Motion receives the resolved motion of committed blocks.
type Motion interface {
	Line(target [vecmath.NAxis]float64, pl planner.LineData)
	Dwell(seconds float64)
	Jog(target [vecmath.NAxis]float64, feed float64) status.Code
}

// Realtime is the realtime core as seen from program flow commands.
type Realtime interface {
	BufferSynchronize()
	ExecuteRealtime()
}

// Notifier receives feedback messages.
type Notifier interface {
	Feedback(m report.Message)
}

// Modal is the set of active modal commands.
type Modal struct {
	Motion      MotionMode
	FeedRate    FeedRateMode
	Units       UnitsMode
	Distance    DistanceMode
	Plane       Plane
	CoordSelect uint8 // 0 is G54
	ProgramFlow ProgramFlow
}

// State is the committed interpreter state. Positions and offsets are in
// machine millimeters.
type State struct {
	Modal       Modal
	FeedRate    float64
	LineNumber  int32
	Position    [vecmath.NAxis]float64
	CoordSystem [vecmath.NAxis]float64
	CoordOffset [vecmath.NAxis]float64
}

// WorkOffset is the active coordinate system plus the G92 offset.
func (s *State) WorkOffset() [vecmath.NAxis]float64 {
	var wco [vecmath.NAxis]float64
	for i := range wco {
		wco[i] = s.CoordSystem[i] + s.CoordOffset[i]
	}
	return wco
}

// Values holds the value words of a block.
type Values struct {
	F  float64
	IJ [vecmath.NAxis]float64
	L  uint8
	N  int32
	P  float64
	XY [vecmath.NAxis]float64
}

// Block is one scanned line.
type Block struct {
	NonModal NonModal
	Modal    Modal
	Values   Values
}

// Parser owns the interpreter state. ExecuteLine must only be called from
// the goroutine that runs the main loop; the accessors are safe from any
// goroutine.
type Parser struct {
	sys      *system.System
	settings *settings.Store
	coords   coords.Store
	mc       Motion
	rt       Realtime
	notify   Notifier
	logger   *log.Logger

	mu    sync.RWMutex
	state State
}

func New(sys *system.System, st *settings.Store, cs coords.Store, mc Motion, rt Realtime, n Notifier) *Parser {
	return &Parser{
		sys:      sys,
		settings: st,
		coords:   cs,
		mc:       mc,
		rt:       rt,
		notify:   n,
		logger:   log.GetLogger("gcode"),
	}
}

// Init restores the power-on modes and loads the G54 offsets. On a read
// failure the offsets stay zero and SettingReadFail is returned.
func (p *Parser) Init() status.Code {
	s := State{Position: p.machinePosition()}
	code := status.OK
	if v, err := p.coords.Read(coords.SlotG54); err != nil {
		p.logger.WithError(err).Error("loading G54")
		code = status.SettingReadFail
	} else {
		s.CoordSystem = v
	}
	p.publish(s)
	return code
}

// SyncPosition sets the interpreter position to the machine position.
func (p *Parser) SyncPosition() {
	pos := p.machinePosition()
	p.mu.Lock()
	p.state.Position = pos
	p.mu.Unlock()
}

func (p *Parser) machinePosition() [vecmath.NAxis]float64 {
	return p.sys.MachinePosition(p.settings.Get().StepsPerMM)
}

// Snapshot returns a copy of the committed state.
func (p *Parser) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Parser) WorkOffset() [vecmath.NAxis]float64 {
	s := p.Snapshot()
	return s.WorkOffset()
}

// ModeWords lists the active modes in report order.
func (p *Parser) ModeWords() []string {
	m := p.Snapshot().Modal
	words := []string{
		"G" + strconv.Itoa(int(m.Motion)),
		"G" + strconv.Itoa(54+int(m.CoordSelect)),
		"G" + strconv.Itoa(17+int(m.Plane)),
		"G" + strconv.Itoa(21-int(m.Units)),
		"G" + strconv.Itoa(90+int(m.Distance)),
		"G" + strconv.Itoa(94-int(m.FeedRate)),
	}
	switch m.ProgramFlow {
	case ProgramPaused:
		words = append(words, "M0")
	case ProgramCompletedM2:
		words = append(words, "M2")
	case ProgramCompletedM30:
		words = append(words, "M30")
	}
	return words
}

func (p *Parser) publish(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// words tracks what a block contains.
type words struct {
	commands uint16 // one bit per Group
	values   word
	axes     uint8
	axisCmd  axisCommand
}

type word uint16

const (
	wordF word = 1 << iota
	wordI
	wordJ
	wordL
	wordN
	wordP
	wordX
	wordY
)

// resolved carries what the checks computed for the commit.
type resolved struct {
	coordSystem [vecmath.NAxis]float64 // offsets of the block's coordinate system
	coordSlot   int                    // G10 target slot
	aux         [vecmath.NAxis]float64 // G10 data or the stored G28/G30 position
}

// ExecuteLine runs one normalized line, which may be a jog line.
func (p *Parser) ExecuteLine(line string) status.Code {
	st := p.Snapshot()
	b := Block{Modal: st.Modal}
	b.Modal.ProgramFlow = ProgramRunning

	jog := strings.HasPrefix(line, JogPrefix)
	if jog {
		line = line[len(JogPrefix):]
		b.Modal.Motion = MotionLinear
		b.Modal.FeedRate = FeedUnitsPerMin
	}

	w, code := scan(line, &b)
	if code != status.OK {
		return code
	}
	r, code := p.check(&st, &b, &w, jog)
	if code != status.OK {
		return code
	}
	if jog {
		return p.jog(&b, &w)
	}
	return p.commit(st, &b, &w, &r)
}

func scan(line string, b *Block) (words, status.Code) {
	var w words
	for i := 0; i < len(line); {
		letter := line[i]
		if letter < 'A' || letter > 'Z' {
			return w, status.ExpectedCommandLetter
		}
		v, next, ok := vecmath.ReadFloat(line, i+1)
		if !ok {
			return w, status.BadNumberFormat
		}
		i = next

		var code status.Code
		if letter == 'G' || letter == 'M' {
			code = w.command(b, letter, v)
		} else {
			code = w.value(b, letter, v)
		}
		if code != status.OK {
			return w, code
		}
	}
	if w.axes != 0 && w.axisCmd == axisNone {
		w.axisCmd = axisMotion
	}
	return w, status.OK
}

func (w *words) command(b *Block, letter byte, v float64) status.Code {
	c, code := lookupCommand(letter, v)
	if code != status.OK {
		return code
	}
	bit := uint16(1) << c.group
	if w.commands&bit != 0 {
		return status.ModalGroupViolation
	}
	if c.axis != axisNone {
		if w.axisCmd != axisNone {
			return status.AxisCommandConflict
		}
		w.axisCmd = c.axis
	}
	w.commands |= bit
	c.apply(b)
	return status.OK
}

func (w *words) value(b *Block, letter byte, v float64) status.Code {
	var bit word
	switch letter {
	case 'F':
		bit = wordF
		b.Values.F = v
	case 'I':
		bit = wordI
		b.Values.IJ[vecmath.AxisX] = v
	case 'J':
		bit = wordJ
		b.Values.IJ[vecmath.AxisY] = v
	case 'L':
		bit = wordL
		b.Values.L = uint8(math.Trunc(v))
	case 'N':
		bit = wordN
		b.Values.N = int32(math.Min(math.Trunc(v), maxLineNumber+1))
	case 'P':
		bit = wordP
		b.Values.P = v
	case 'X':
		bit = wordX
		b.Values.XY[vecmath.AxisX] = v
		w.axes |= 1 << vecmath.AxisX
	case 'Y':
		bit = wordY
		b.Values.XY[vecmath.AxisY] = v
		w.axes |= 1 << vecmath.AxisY
	default:
		return status.UnsupportedCommand
	}
	if w.values&bit != 0 {
		return status.WordRepeated
	}
	if bit&(wordF|wordN|wordP) != 0 && v < 0 {
		return status.NegativeValue
	}
	w.values |= bit
	return status.OK
}

func (w *words) hasAxis(i int) bool { return w.axes&(1<<i) != 0 }

// check validates b against st and resolves its targets. It only writes
// to b and w.
func (p *Parser) check(st *State, b *Block, w *words, jog bool) (resolved, status.Code) {
	var r resolved
	v := &b.Values

	if w.values&wordN != 0 && v.N > maxLineNumber {
		return r, status.InvalidLineNumber
	}

	hasF := w.values&wordF != 0
	switch {
	case jog:
		if !hasF {
			return r, status.UndefinedFeedRate
		}
		if b.Modal.Units == UnitsInches {
			v.F *= mmPerInch
		}
	case b.Modal.FeedRate == FeedInverseTime:
		if w.axisCmd == axisMotion && b.Modal.Motion != MotionNone && b.Modal.Motion != MotionSeek && !hasF {
			return r, status.UndefinedFeedRate
		}
	case hasF:
		if b.Modal.Units == UnitsInches {
			v.F *= mmPerInch
		}
	case st.Modal.FeedRate == FeedUnitsPerMin:
		v.F = st.FeedRate
	}

	if b.NonModal == NonModalDwell {
		if w.values&wordP == 0 {
			return r, status.ValueWordMissing
		}
		w.values &^= wordP
	}

	if b.Modal.Units == UnitsInches {
		for i := range v.XY {
			if w.hasAxis(i) {
				v.XY[i] *= mmPerInch
			}
		}
	}

	r.coordSystem = st.CoordSystem
	if b.Modal.CoordSelect != st.Modal.CoordSelect {
		if int(b.Modal.CoordSelect) >= coords.NCoordSystems {
			return r, status.UnsupportedCoordSys
		}
		cs, err := p.coords.Read(int(b.Modal.CoordSelect))
		if err != nil {
			p.logger.WithError(err).Warn("reading coordinate system")
			return r, status.SettingReadFail
		}
		r.coordSystem = cs
	}

	switch b.NonModal {
	case NonModalSetCoordData:
		if w.axes == 0 {
			return r, status.NoAxisWords
		}
		if w.values&(wordP|wordL) == 0 {
			return r, status.ValueWordMissing
		}
		sel := int(math.Trunc(v.P))
		if sel > coords.NCoordSystems {
			return r, status.UnsupportedCoordSys
		}
		if v.L != 2 && v.L != 20 {
			return r, status.UnsupportedCommand
		}
		w.values &^= wordL | wordP

		r.coordSlot = int(b.Modal.CoordSelect)
		if sel > 0 {
			r.coordSlot = sel - 1
		}
		data, err := p.coords.Read(r.coordSlot)
		if err != nil {
			p.logger.WithError(err).Warn("reading coordinate system")
			return r, status.SettingReadFail
		}
		for i := range data {
			if !w.hasAxis(i) {
				continue
			}
			if v.L == 20 {
				data[i] = st.Position[i] - st.CoordOffset[i] - v.XY[i]
			} else {
				data[i] = v.XY[i]
			}
		}
		r.aux = data

	case NonModalSetCoordOffset:
		if w.axes == 0 {
			return r, status.NoAxisWords
		}
		for i := range v.XY {
			if w.hasAxis(i) {
				v.XY[i] = st.Position[i] - r.coordSystem[i] - v.XY[i]
			} else {
				v.XY[i] = st.CoordOffset[i]
			}
		}

	default:
		if w.axes != 0 {
			for i := range v.XY {
				switch {
				case !w.hasAxis(i):
					v.XY[i] = st.Position[i]
				case b.NonModal == NonModalAbsoluteOverride:
				case b.Modal.Distance == DistanceAbsolute:
					v.XY[i] += r.coordSystem[i] + st.CoordOffset[i]
				default:
					v.XY[i] += st.Position[i]
				}
			}
		}

		switch b.NonModal {
		case NonModalGoHome0, NonModalGoHome1:
			slot := coords.SlotG28
			if b.NonModal == NonModalGoHome1 {
				slot = coords.SlotG30
			}
			home, err := p.coords.Read(slot)
			if err != nil {
				p.logger.WithError(err).Warn("reading home position")
				return r, status.SettingReadFail
			}
			if w.axes != 0 {
				for i := range home {
					if !w.hasAxis(i) {
						home[i] = st.Position[i]
					}
				}
			} else {
				w.axisCmd = axisNone
			}
			r.aux = home
		case NonModalAbsoluteOverride:
			if b.Modal.Motion != MotionSeek && b.Modal.Motion != MotionLinear {
				return r, status.G53InvalidMotionMode
			}
		}
	}

	if b.Modal.Motion == MotionNone {
		if w.axes != 0 {
			return r, status.AxisWordsExist
		}
	} else if w.axisCmd == axisMotion {
		if b.Modal.Motion != MotionSeek && v.F == 0 {
			return r, status.UndefinedFeedRate
		}
		if w.axes == 0 {
			w.axisCmd = axisNone
		}
	}

	w.values &^= wordF | wordN
	if w.axisCmd != axisNone {
		w.values &^= wordX | wordY
	}
	if w.values != 0 {
		return r, status.UnusedWords
	}
	return r, status.OK
}

const jogGroups = 1<<GroupDistance | 1<<GroupUnits | 1<<GroupNonModal

// jog submits a checked jog block. Only the position is committed, and
// only once the motion layer accepts the move.
func (p *Parser) jog(b *Block, w *words) status.Code {
	if w.commands&^jogGroups != 0 {
		return status.InvalidJogCommand
	}
	if b.NonModal != NonModalNone && b.NonModal != NonModalAbsoluteOverride {
		return status.InvalidJogCommand
	}
	if w.axes == 0 {
		return status.InvalidJogCommand
	}
	code := p.mc.Jog(b.Values.XY, b.Values.F)
	if code == status.OK {
		p.mu.Lock()
		p.state.Position = b.Values.XY
		p.mu.Unlock()
	}
	return code
}

// commit applies a checked block in execution order.
func (p *Parser) commit(st State, b *Block, w *words, r *resolved) status.Code {
	v := &b.Values
	st.LineNumber = v.N

	var pl planner.LineData
	st.Modal.FeedRate = b.Modal.FeedRate
	if st.Modal.FeedRate == FeedInverseTime {
		pl.Condition |= planner.CondInverseTime
	}
	st.FeedRate = v.F
	pl.FeedRate = st.FeedRate

	if b.NonModal == NonModalDwell {
		p.mc.Dwell(v.P)
	}

	st.Modal.Plane = b.Modal.Plane
	st.Modal.Units = b.Modal.Units
	if st.Modal.CoordSelect != b.Modal.CoordSelect {
		st.Modal.CoordSelect = b.Modal.CoordSelect
		st.CoordSystem = r.coordSystem
	}
	st.Modal.Distance = b.Modal.Distance

	switch b.NonModal {
	case NonModalSetCoordData:
		p.writeCoords(r.coordSlot, r.aux)
		if int(st.Modal.CoordSelect) == r.coordSlot {
			st.CoordSystem = r.aux
		}
	case NonModalGoHome0, NonModalGoHome1:
		pl.Condition |= planner.CondRapidMotion
		if w.axisCmd != axisNone {
			p.mc.Line(v.XY, pl)
		}
		p.mc.Line(r.aux, pl)
		st.Position = r.aux
	case NonModalSetHome0:
		p.writeCoords(coords.SlotG28, st.Position)
	case NonModalSetHome1:
		p.writeCoords(coords.SlotG30, st.Position)
	case NonModalSetCoordOffset:
		st.CoordOffset = v.XY
	case NonModalResetCoordOffset:
		st.CoordOffset = [vecmath.NAxis]float64{}
	}

	st.Modal.Motion = b.Modal.Motion
	if st.Modal.Motion != MotionNone && w.axisCmd == axisMotion {
		if st.Modal.Motion == MotionSeek {
			pl.Condition |= planner.CondRapidMotion
		}
		p.mc.Line(v.XY, pl)
		st.Position = v.XY
	}

	st.Modal.ProgramFlow = b.Modal.ProgramFlow
	if st.Modal.ProgramFlow == ProgramRunning {
		p.publish(st)
		return status.OK
	}
	p.publish(st)
	p.rt.BufferSynchronize()

	code := status.OK
	if st.Modal.ProgramFlow == ProgramPaused {
		if p.sys.State() != system.StateCheckMode {
			p.sys.Exec.Set(system.ExecFeedHold)
			p.rt.ExecuteRealtime()
		}
	} else {
		st.Modal.Motion = MotionLinear
		st.Modal.Plane = PlaneXY
		st.Modal.Distance = DistanceAbsolute
		st.Modal.FeedRate = FeedUnitsPerMin
		st.Modal.CoordSelect = 0
		if p.sys.State() != system.StateCheckMode {
			if cs, err := p.coords.Read(coords.SlotG54); err != nil {
				p.logger.WithError(err).Error("reloading G54")
				code = status.SettingReadFail
			} else {
				st.CoordSystem = cs
			}
		}
		if code == status.OK {
			p.notify.Feedback(report.MsgProgramEnd)
		}
	}
	st.Modal.ProgramFlow = ProgramRunning
	p.publish(st)
	return code
}

func (p *Parser) writeCoords(slot int, v coords.Vector) {
	if err := p.coords.Write(slot, v); err != nil {
		p.logger.WithError(err).WithField("slot", slot).Error("writing coordinates")
	}
}
