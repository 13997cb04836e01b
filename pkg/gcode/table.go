package gcode

import (
	"math"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
)

// Group is a modal group. At most one command of a group may appear on a
// line.
type Group uint8

const (
	GroupNonModal    Group = iota // G4 G10 G28 G30 G53 G92
	GroupMotion                   // G0 G1 G80
	GroupPlane                    // G17 G18 G19
	GroupDistance                 // G90 G91
	GroupFeedRate                 // G93 G94
	GroupUnits                    // G20 G21
	GroupCutterComp               // G40
	GroupCoordSystem              // G54..G59
	GroupPathControl              // G61
	GroupProgramFlow              // M0 M1 M2 M30
)

type MotionMode uint8

const (
	MotionSeek   MotionMode = 0
	MotionLinear MotionMode = 1
	MotionNone   MotionMode = 80
)

type FeedRateMode uint8

const (
	FeedUnitsPerMin FeedRateMode = iota
	FeedInverseTime
)

type DistanceMode uint8

const (
	DistanceAbsolute DistanceMode = iota
	DistanceIncremental
)

type UnitsMode uint8

const (
	UnitsMM UnitsMode = iota
	UnitsInches
)

type Plane uint8

const (
	PlaneXY Plane = iota
	PlaneZX
	PlaneYZ
)

type ProgramFlow uint8

const (
	ProgramRunning      ProgramFlow = 0
	ProgramPaused       ProgramFlow = 3
	ProgramCompletedM2  ProgramFlow = 2
	ProgramCompletedM30 ProgramFlow = 30
)

// NonModal identifies the non-modal command of a block.
type NonModal uint8

const (
	NonModalNone             NonModal = 0
	NonModalDwell            NonModal = 4
	NonModalSetCoordData     NonModal = 10
	NonModalGoHome0          NonModal = 28
	NonModalSetHome0         NonModal = 38
	NonModalGoHome1          NonModal = 30
	NonModalSetHome1         NonModal = 40
	NonModalAbsoluteOverride NonModal = 53
	NonModalSetCoordOffset   NonModal = 92
	NonModalResetCoordOffset NonModal = 102
)

// axisCommand tells how a block consumes its axis words.
type axisCommand uint8

const (
	axisNone axisCommand = iota
	axisNonModal
	axisMotion
)

// command is one entry of the command table.
type command struct {
	group Group
	axis  axisCommand
	apply func(b *Block)
}

// commandKey addresses a command by letter, integer part and hundredths.
type commandKey struct {
	letter   byte
	value    int
	mantissa int
}

func nonModalCmd(n NonModal, axis axisCommand) command {
	return command{group: GroupNonModal, axis: axis, apply: func(b *Block) { b.NonModal = n }}
}

func motionCmd(m MotionMode, axis axisCommand) command {
	return command{group: GroupMotion, axis: axis, apply: func(b *Block) { b.Modal.Motion = m }}
}

var commands = map[commandKey]command{
	{'G', 0, 0}:  motionCmd(MotionSeek, axisMotion),
	{'G', 1, 0}:  motionCmd(MotionLinear, axisMotion),
	{'G', 80, 0}: motionCmd(MotionNone, axisNone),

	{'G', 4, 0}:   nonModalCmd(NonModalDwell, axisNone),
	{'G', 10, 0}:  nonModalCmd(NonModalSetCoordData, axisNonModal),
	{'G', 28, 0}:  nonModalCmd(NonModalGoHome0, axisNonModal),
	{'G', 28, 10}: nonModalCmd(NonModalSetHome0, axisNone),
	{'G', 30, 0}:  nonModalCmd(NonModalGoHome1, axisNonModal),
	{'G', 30, 10}: nonModalCmd(NonModalSetHome1, axisNone),
	{'G', 53, 0}:  nonModalCmd(NonModalAbsoluteOverride, axisNone),
	{'G', 92, 0}:  nonModalCmd(NonModalSetCoordOffset, axisNonModal),
	{'G', 92, 10}: nonModalCmd(NonModalResetCoordOffset, axisNone),

	{'G', 17, 0}: {group: GroupPlane, apply: func(b *Block) { b.Modal.Plane = PlaneXY }},
	{'G', 18, 0}: {group: GroupPlane, apply: func(b *Block) { b.Modal.Plane = PlaneZX }},
	{'G', 19, 0}: {group: GroupPlane, apply: func(b *Block) { b.Modal.Plane = PlaneYZ }},

	{'G', 20, 0}: {group: GroupUnits, apply: func(b *Block) { b.Modal.Units = UnitsInches }},
	{'G', 21, 0}: {group: GroupUnits, apply: func(b *Block) { b.Modal.Units = UnitsMM }},

	{'G', 40, 0}: {group: GroupCutterComp, apply: func(*Block) {}},
	{'G', 61, 0}: {group: GroupPathControl, apply: func(*Block) {}},

	{'G', 90, 0}: {group: GroupDistance, apply: func(b *Block) { b.Modal.Distance = DistanceAbsolute }},
	{'G', 91, 0}: {group: GroupDistance, apply: func(b *Block) { b.Modal.Distance = DistanceIncremental }},

	{'G', 93, 0}: {group: GroupFeedRate, apply: func(b *Block) { b.Modal.FeedRate = FeedInverseTime }},
	{'G', 94, 0}: {group: GroupFeedRate, apply: func(b *Block) { b.Modal.FeedRate = FeedUnitsPerMin }},

	{'M', 0, 0}:  {group: GroupProgramFlow, apply: func(b *Block) { b.Modal.ProgramFlow = ProgramPaused }},
	{'M', 1, 0}:  {group: GroupProgramFlow, apply: func(*Block) {}}, // optional stop, ignored
	{'M', 2, 0}:  {group: GroupProgramFlow, apply: func(b *Block) { b.Modal.ProgramFlow = ProgramCompletedM2 }},
	{'M', 30, 0}: {group: GroupProgramFlow, apply: func(b *Block) { b.Modal.ProgramFlow = ProgramCompletedM30 }},
}

func init() {
	for i := 0; i < 6; i++ {
		slot := uint8(i)
		commands[commandKey{'G', 54 + i, 0}] = command{
			group: GroupCoordSystem,
			apply: func(b *Block) { b.Modal.CoordSelect = slot },
		}
	}
}

// decimalFamilies are commands whose dotted variants are distinct commands
// rather than non-integer values.
var decimalFamilies = map[int]bool{28: true, 30: true, 61: true, 92: true}

// splitValue splits a command value into its integer part and hundredths.
func splitValue(v float64) (int, int) {
	iv := int(math.Trunc(v))
	return iv, int(math.Round(100 * (v - float64(iv))))
}

// lookupCommand resolves a G or M word.
func lookupCommand(letter byte, v float64) (command, status.Code) {
	iv, mantissa := splitValue(v)
	if letter == 'M' && mantissa != 0 {
		return command{}, status.CommandValueNotInteger
	}
	if c, ok := commands[commandKey{letter, iv, mantissa}]; ok {
		return c, status.OK
	}
	if _, ok := commands[commandKey{letter, iv, 0}]; !ok || decimalFamilies[iv] {
		return command{}, status.UnsupportedCommand
	}
	return command{}, status.CommandValueNotInteger
}
