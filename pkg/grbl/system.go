package grbl

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/coords"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/gcode"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/limits"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// maxSetting is the largest accepted $N setting number.
const maxSetting = 255

// ExecuteSystem runs a '$' command. Output goes to the requesting client.
func (c *Controller) ExecuteSystem(client uuid.UUID, line string) status.Code {
	state := c.sys.State()
	if len(line) == 1 {
		c.reporter.Send(client, report.Help())
		return status.OK
	}

	switch line[1] {
	case 'J':
		if state != system.StateIdle && state != system.StateJog {
			return status.IdleError
		}
		if !strings.HasPrefix(line, gcode.JogPrefix) {
			return status.InvalidStatement
		}
		return c.parser.ExecuteLine(line)
	case '$', 'G', 'C', 'X':
		if len(line) > 2 {
			return status.InvalidStatement
		}
		return c.viewOrToggle(client, line[1], state)
	}

	// The rest only run idle or in alarm.
	if state != system.StateIdle && state != system.StateAlarm {
		return status.IdleError
	}
	switch line[1] {
	case '#':
		if len(line) > 2 {
			return status.InvalidStatement
		}
		o, err := c.offsets()
		if err != nil {
			c.logger.WithError(err).Warn("coordinate read failed")
			return status.SettingReadFail
		}
		c.reporter.Send(client, report.NGCParameters(o))
	case 'H':
		return c.home(line)
	case 'S':
		if line != "$SLP" {
			return status.InvalidStatement
		}
		c.sys.Exec.Set(system.ExecSleep)
	case 'I':
		if len(line) > 2 {
			return status.InvalidStatement
		}
		c.reporter.Send(client, report.BuildInfo(c.opts.BuildInfo))
	case 'R':
		return c.restore(line)
	default:
		return c.storeSetting(line)
	}
	return status.OK
}

// viewOrToggle runs the commands allowed in any state: $$ $G $C $X.
func (c *Controller) viewOrToggle(client uuid.UUID, cmd byte, state system.State) status.Code {
	switch cmd {
	case '$':
		if state.Any(system.StateCycle | system.StateHold) {
			return status.IdleError
		}
		c.reporter.Send(client, report.Settings(c.settings.Get()))
	case 'G':
		c.reporter.Send(client, report.GCodeModes(c.parser.ModeWords(), c.parser.Snapshot().FeedRate))
	case 'C':
		if state == system.StateCheckMode {
			// The reset leaves check mode through the startup sequence.
			c.motion.Reset()
			c.reporter.Feedback(report.MsgDisabled)
			return status.OK
		}
		if state != system.StateIdle {
			return status.IdleError
		}
		c.sys.SetState(system.StateCheckMode)
		c.reporter.Feedback(report.MsgEnabled)
	case 'X':
		if state == system.StateAlarm {
			c.reporter.Feedback(report.MsgAlarmUnlock)
			c.sys.SetState(system.StateIdle)
		}
	}
	return status.OK
}

func (c *Controller) home(line string) status.Code {
	cfg := c.settings.Get()
	if !cfg.HomingEnabled() {
		return status.SettingDisabled
	}
	mask := limits.CycleAll
	switch line[2:] {
	case "":
	case "X":
		mask = limits.CycleX
	case "Y":
		mask = limits.CycleY
	default:
		return status.InvalidStatement
	}
	c.sys.SetState(system.StateHoming)
	c.motion.HomingCycle(mask)
	if !c.sys.Abort() {
		c.sys.SetState(system.StateIdle)
		c.stepper.GoIdle()
	}
	return status.OK
}

func (c *Controller) restore(line string) status.Code {
	rest, ok := strings.CutPrefix(line, "$RST=")
	if !ok || len(rest) != 1 {
		return status.InvalidStatement
	}
	var mask uint8
	switch rest[0] {
	case '$':
		mask = settings.RestoreDefaults
	case '#':
		mask = settings.RestoreParameters
	case '*':
		mask = settings.RestoreAll
	default:
		return status.InvalidStatement
	}
	if mask&settings.RestoreDefaults != 0 {
		c.settings.Restore(mask)
	}
	if mask&settings.RestoreParameters != 0 {
		if err := c.coords.Reset(); err != nil {
			c.logger.WithError(err).Error("coordinate reset failed")
		}
	}
	c.logger.WithField("mask", mask).Info("restored")
	c.reporter.Feedback(report.MsgRestoreDefaults)
	c.motion.Reset()
	return status.OK
}

func (c *Controller) storeSetting(line string) status.Code {
	param, i, ok := vecmath.ReadFloat(line, 1)
	if !ok {
		return status.BadNumberFormat
	}
	if i >= len(line) || line[i] != '=' {
		return status.InvalidStatement
	}
	value, j, ok := vecmath.ReadFloat(line, i+1)
	if !ok {
		return status.BadNumberFormat
	}
	if j != len(line) || param > maxSetting {
		return status.InvalidStatement
	}
	return c.settings.Store(int(param), value)
}

// offsets collects the $# report.
func (c *Controller) offsets() (report.Offsets, error) {
	var o report.Offsets
	for i := 0; i < coords.NCoordSystems; i++ {
		v, err := c.coords.Read(coords.SlotG54 + i)
		if err != nil {
			return o, err
		}
		o.Systems[i] = v
	}
	var err error
	if o.G28, err = c.coords.Read(coords.SlotG28); err != nil {
		return o, err
	}
	if o.G30, err = c.coords.Read(coords.SlotG30); err != nil {
		return o, err
	}
	o.G92 = c.parser.Snapshot().CoordOffset
	return o, nil
}
