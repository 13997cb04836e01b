// Package status enumerates the numeric outcome codes reported for each
// input line and the alarm codes raised asynchronously by the realtime core.
package status

import "fmt"

// Code is the terminal result of executing one line. Zero means success.
type Code uint8

const (
	OK                    Code = 0
	ExpectedCommandLetter Code = 1
	BadNumberFormat       Code = 2
	InvalidStatement      Code = 3
	NegativeValue         Code = 4
	SettingDisabled       Code = 5
	SettingStepPulseMin   Code = 6
	SettingReadFail       Code = 7
	IdleError             Code = 8
	SystemGCLock          Code = 9
	SoftLimitError        Code = 10
	Overflow              Code = 11
	MaxStepRateExceeded   Code = 12
	LineLengthExceeded    Code = 14
	TravelExceeded        Code = 15
	InvalidJogCommand     Code = 16

	UnsupportedCommand     Code = 20
	ModalGroupViolation    Code = 21
	UndefinedFeedRate      Code = 22
	CommandValueNotInteger Code = 23
	AxisCommandConflict    Code = 24
	WordRepeated           Code = 25
	NoAxisWords            Code = 26
	InvalidLineNumber      Code = 27
	ValueWordMissing       Code = 28
	UnsupportedCoordSys    Code = 29
	G53InvalidMotionMode   Code = 30
	AxisWordsExist         Code = 31
	UnusedWords            Code = 36

	// EmptyBlock is returned by the planner for a zero-length move. It is
	// never reported to a client.
	EmptyBlock Code = 255
)

var codeNames = map[Code]string{
	OK:                     "ok",
	ExpectedCommandLetter:  "expected command letter",
	BadNumberFormat:        "bad number format",
	InvalidStatement:       "invalid statement",
	NegativeValue:          "negative value",
	SettingDisabled:        "setting disabled",
	SettingStepPulseMin:    "step pulse too short",
	SettingReadFail:        "setting read fail",
	IdleError:              "not idle",
	SystemGCLock:           "system locked",
	SoftLimitError:         "soft limit requires homing",
	Overflow:               "line overflow",
	MaxStepRateExceeded:    "max step rate exceeded",
	LineLengthExceeded:     "line length exceeded",
	TravelExceeded:         "travel exceeded",
	InvalidJogCommand:      "invalid jog command",
	UnsupportedCommand:     "unsupported command",
	ModalGroupViolation:    "modal group violation",
	UndefinedFeedRate:      "undefined feed rate",
	CommandValueNotInteger: "command value not integer",
	AxisCommandConflict:    "axis command conflict",
	WordRepeated:           "word repeated",
	NoAxisWords:            "no axis words",
	InvalidLineNumber:      "invalid line number",
	ValueWordMissing:       "value word missing",
	UnsupportedCoordSys:    "unsupported coordinate system",
	G53InvalidMotionMode:   "G53 requires G0 or G1",
	AxisWordsExist:         "axis words exist",
	UnusedWords:            "unused words",
	EmptyBlock:             "empty block",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("status(%d)", uint8(c))
}

// Alarm is an asynchronous fault code. Zero means no alarm.
type Alarm uint8

const (
	AlarmNone               Alarm = 0
	AlarmHardLimit          Alarm = 1
	AlarmSoftLimit          Alarm = 2
	AlarmAbortCycle         Alarm = 3
	AlarmHomingFailReset    Alarm = 6
	AlarmHomingFailDoor     Alarm = 7
	AlarmHomingFailPulloff  Alarm = 8
	AlarmHomingFailApproach Alarm = 9
)

// Critical reports whether the alarm must block until the user resets.
func (a Alarm) Critical() bool {
	return a == AlarmHardLimit || a == AlarmSoftLimit
}

func (a Alarm) String() string {
	switch a {
	case AlarmNone:
		return "none"
	case AlarmHardLimit:
		return "hard limit"
	case AlarmSoftLimit:
		return "soft limit"
	case AlarmAbortCycle:
		return "abort during cycle"
	case AlarmHomingFailReset:
		return "homing fail: reset"
	case AlarmHomingFailDoor:
		return "homing fail: door"
	case AlarmHomingFailPulloff:
		return "homing fail: pulloff"
	case AlarmHomingFailApproach:
		return "homing fail: approach"
	default:
		return fmt.Sprintf("alarm(%d)", uint8(a))
	}
}
