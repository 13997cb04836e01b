package report

import (
	"fmt"
	"strings"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

const (
	Version      = "1.1f"
	VersionBuild = "20180919"

	eol = "\r\n"
)

// Message is a numbered feedback message.
type Message uint8

const (
	MsgCriticalEvent   Message = 1
	MsgAlarmLock       Message = 2
	MsgAlarmUnlock     Message = 3
	MsgEnabled         Message = 4
	MsgDisabled        Message = 5
	MsgCheckLimits     Message = 7
	MsgProgramEnd      Message = 8
	MsgRestoreDefaults Message = 9
	MsgSleepMode       Message = 11
)

var messageText = map[Message]string{
	MsgCriticalEvent:   "Reset to continue",
	MsgAlarmLock:       "'$H'|'$X' to unlock",
	MsgAlarmUnlock:     "Caution: Unlocked",
	MsgEnabled:         "Enabled",
	MsgDisabled:        "Disabled",
	MsgCheckLimits:     "Check Limits",
	MsgProgramEnd:      "Pgm End",
	MsgRestoreDefaults: "Restoring defaults",
	MsgSleepMode:       "Sleeping",
}

func (m Message) String() string { return messageText[m] }

// StatusLine is the terminal response to one line.
func StatusLine(code status.Code) string {
	if code == status.OK {
		return "ok" + eol
	}
	return fmt.Sprintf("error:%d"+eol, code)
}

func AlarmLine(a status.Alarm) string { return fmt.Sprintf("ALARM:%d"+eol, a) }

func MessageLine(m Message) string {
	if s, ok := messageText[m]; ok {
		return "[MSG:" + s + "]" + eol
	}
	return ""
}

func InitMessage() string { return eol + "Grbl " + Version + " ['$' for help]" + eol }

func Help() string {
	return "[HLP:$$ $# $G $I $N $x=val $Nx=line $J=line $SLP $C $X $H ~ ! ? ctrl-x]" + eol
}

// BuildInfo formats $I. info is the user build string.
func BuildInfo(info string) string {
	return "[VER:" + Version + "." + VersionBuild + ":" + info + "]" + eol + "[OPT:H]" + eol
}

func axisValues(v [vecmath.NAxis]float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.3f", x)
	}
	return strings.Join(parts, ",")
}

// Settings formats the $$ dump.
func Settings(s settings.Settings) string {
	var sb strings.Builder
	for _, e := range s.Entries() {
		if e.Integer {
			fmt.Fprintf(&sb, "$%d=%d"+eol, e.Number, int(e.Value))
		} else {
			fmt.Fprintf(&sb, "$%d=%.3f"+eol, e.Number, e.Value)
		}
	}
	return sb.String()
}

// Offsets are the persisted and volatile coordinate parameters shown by $#.
type Offsets struct {
	Systems [6][vecmath.NAxis]float64
	G28     [vecmath.NAxis]float64
	G30     [vecmath.NAxis]float64
	G92     [vecmath.NAxis]float64
}

// NGCParameters formats $#.
func NGCParameters(o Offsets) string {
	var sb strings.Builder
	for i, v := range o.Systems {
		fmt.Fprintf(&sb, "[G%d:%s]"+eol, 54+i, axisValues(v))
	}
	sb.WriteString("[G28:" + axisValues(o.G28) + "]" + eol)
	sb.WriteString("[G30:" + axisValues(o.G30) + "]" + eol)
	sb.WriteString("[G92:" + axisValues(o.G92) + "]" + eol)
	return sb.String()
}

// GCodeModes formats $G from the active modal words and feed rate.
func GCodeModes(words []string, feed float64) string {
	return fmt.Sprintf("[GC:%s F%.3f]"+eol, strings.Join(words, " "), feed)
}

// Snapshot is the machine state captured for one status report.
type Snapshot struct {
	State   system.State
	Suspend uint8
	MPos    [vecmath.NAxis]float64
	// WCO is the active work coordinate offset, subtracted for WPos.
	WCO              [vecmath.NAxis]float64
	PlannerAvailable int
	RxAvailable      int
	FeedRate         float64
	Pins             uint8
}

func stateName(s Snapshot) string {
	switch s.State {
	case system.StateHold:
		if s.Suspend&system.SuspendJogCancel != 0 {
			return "Jog"
		}
		if s.Suspend&system.SuspendHoldComplete != 0 {
			return "Hold:0"
		}
		return "Hold:1"
	default:
		return s.State.String()
	}
}

var axisLetters = [vecmath.NAxis]string{"X", "Y"}

// RealtimeStatus formats the '?' report. mask is $10.
func RealtimeStatus(s Snapshot, mask uint8) string {
	var sb strings.Builder
	sb.WriteString("<" + stateName(s))
	if mask&settings.ReportMachinePosition != 0 {
		sb.WriteString("|MPos:" + axisValues(s.MPos))
	} else {
		var w [vecmath.NAxis]float64
		for i := range w {
			w[i] = s.MPos[i] - s.WCO[i]
		}
		sb.WriteString("|WPos:" + axisValues(w))
	}
	if mask&settings.ReportBufferState != 0 {
		fmt.Fprintf(&sb, "|Bf:%d,%d", s.PlannerAvailable, s.RxAvailable)
	}
	fmt.Fprintf(&sb, "|F:%.3f", s.FeedRate)
	if s.Pins != 0 {
		sb.WriteString("|Pn:")
		for i, l := range axisLetters {
			if s.Pins&(1<<uint(i)) != 0 {
				sb.WriteString(l)
			}
		}
	}
	sb.WriteString(">" + eol)
	return sb.String()
}
