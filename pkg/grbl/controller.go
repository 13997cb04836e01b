// Package grbl assembles the controller: system state, planner, simulated
// stepper, limits, motion gateway, G-code parser and the protocol main
// loop. It also owns the '$' system commands and realtime byte injection.
package grbl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/coords"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/endstop"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/gcode"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/limits"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/motion"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/planner"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/protocol"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/reactor"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/stepper"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// Realtime command bytes.
const (
	CmdReset        byte = 0x18
	CmdStatusReport byte = '?'
	CmdCycleStart   byte = '~'
	CmdFeedHold     byte = '!'
	CmdJogCancel    byte = 0x85
)

// ErrLineDiscarded is returned by Submit when a reset flushed the line
// before it ran.
var ErrLineDiscarded error = errors.New(errors.ErrRuntime, "line discarded by reset")

// Observer is told about executed lines, alarms and resets.
type Observer interface {
	LineDone(code status.Code, elapsed time.Duration)
	Alarm(a status.Alarm)
	Reset()
}

// Options configures a Controller.
type Options struct {
	// HomingInitLock starts in alarm when homing is enabled.
	HomingInitLock bool
	// CheckLimitsAtInit raises an alarm at startup when a hard limit
	// switch is already engaged.
	CheckLimitsAtInit bool
	// AutoResume restarts a completed feed hold without a cycle start.
	AutoResume bool
	// TimeScale speeds up simulated motion; 1 is real time.
	TimeScale float64
	// Poll is the wait loop interval. Zero uses the protocol default.
	Poll time.Duration
	// SwitchPositions places a simulated limit switch per axis, in
	// machine mm.
	SwitchPositions map[int]float64
	// BuildInfo is the user string reported by $I.
	BuildInfo string
	Observer  Observer
}

// Controller is one running machine.
type Controller struct {
	opts     Options
	sys      *system.System
	settings *settings.Store
	coords   coords.Store
	planner  *planner.Planner
	stepper  *stepper.Simulator
	reporter *report.Reporter
	rt       *protocol.Executor
	switches *endstop.EndstopGroup
	limits   *limits.Limits
	motion   *motion.Gateway
	parser   *gcode.Parser
	logger   *log.Logger

	resets  atomic.Uint64
	running atomic.Bool
}

// New wires a controller around the settings and coordinate stores.
func New(st *settings.Store, cs coords.Store, opts Options) *Controller {
	if opts.TimeScale <= 0 {
		opts.TimeScale = 1
	}
	c := &Controller{
		opts:     opts,
		sys:      system.New(),
		settings: st,
		coords:   cs,
		logger:   log.GetLogger("grbl"),
	}
	c.planner = planner.New(st, c.sys)
	c.stepper = stepper.NewSimulator(c.sys, c.planner, st, stepper.Options{TimeScale: opts.TimeScale})
	c.reporter = report.New(st)

	popts := protocol.Options{AutoResume: opts.AutoResume, Poll: opts.Poll}
	if o := opts.Observer; o != nil {
		popts.OnLine = o.LineDone
		popts.OnAlarm = o.Alarm
	}
	c.rt = protocol.New(c.sys, c.planner, c.stepper, c.reporter, popts)

	c.switches = endstop.NewEndstopGroup("limits")
	for axis := 0; axis < vecmath.NAxis; axis++ {
		pos, ok := opts.SwitchPositions[axis]
		if !ok {
			continue
		}
		e := endstop.New(endstop.EndstopConfig{Name: axisName(axis), Axis: axis, NormallyClosed: true})
		e.SetQueryCallback(endstop.Virtual{Axis: axis, Position: pos, Source: c.stepper}.Pressed)
		c.switches.Add(e)
		c.logger.WithField("axis", axis).Debugf("limit switch %s at %.3f mm", e.GetName(), pos)
	}
	c.limits = limits.New(c.sys, st, c.planner, c.stepper, c.switches, c.rt)
	c.stepper.SetStepHook(c.limits.StepHook, c.limits.Trip)
	c.motion = motion.New(c.sys, st, c.planner, c.stepper, c.rt, c.limits)
	c.parser = gcode.New(c.sys, st, cs, c.motion, c.rt, c.reporter)

	c.motion.SetParserSync(c.parser.SyncPosition)
	c.rt.SetPositionSync(c.parser.SyncPosition)
	c.reporter.SetSnapshotSource(c.Snapshot)
	return c
}

func axisName(axis int) string { return string("XY"[axis]) }

// Run executes the controller until ctx is done. Every reset re-enters
// the initialization sequence without leaving Run.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.RuntimeError("controller already running")
	}
	defer c.running.Store(false)

	re := reactor.NewWithContext(ctx)
	c.stepper.Attach(re)
	c.motion.Attach(re)
	if err := re.Run(); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "start step timer")
	}
	defer func() {
		re.End()
		re.Wait()
	}()

	cfg := c.settings.Get()
	if c.opts.HomingInitLock && cfg.HomingEnabled() {
		c.sys.SetState(system.StateAlarm)
	}
	for {
		c.reinit()
		c.startup()
		c.rt.MainLoop(ctx, c)
		if ctx.Err() != nil {
			c.stepper.GoIdle()
			c.logger.Info("controller stopped")
			return nil
		}
		c.resets.Add(1)
		if c.opts.Observer != nil {
			c.opts.Observer.Reset()
		}
	}
}

// reinit clears the realtime registers and every motion queue, and
// resyncs all positions to the machine position.
func (c *Controller) reinit() {
	c.sys.Reinit()
	c.rt.FlushInput()
	if code := c.parser.Init(); code != status.OK {
		c.reporter.Status(report.ClientAll, code)
	}
	c.limits.Init()
	c.planner.Reset()
	c.stepper.Reset()
	c.planner.SyncPosition()
	c.parser.SyncPosition()
	c.reporter.Init(report.ClientAll)
}

func (c *Controller) startup() {
	cfg := c.settings.Get()
	if c.opts.CheckLimitsAtInit && cfg.HardLimits() && c.limits.GetState() != 0 {
		c.sys.SetState(system.StateAlarm)
		c.reporter.Feedback(report.MsgCheckLimits)
	}
	if c.sys.State().Any(system.StateAlarm | system.StateSleep) {
		c.reporter.Feedback(report.MsgAlarmLock)
		c.sys.SetState(system.StateAlarm)
		return
	}
	c.sys.SetState(system.StateIdle)
}

// ExecuteGCode runs one G-code block.
func (c *Controller) ExecuteGCode(_ uuid.UUID, line string) status.Code {
	return c.parser.ExecuteLine(line)
}

// Realtime handles b if it is a realtime command and reports whether it
// was consumed. Unsupported extended bytes are consumed and ignored.
func (c *Controller) Realtime(b byte) bool {
	switch b {
	case CmdReset:
		c.Reset()
	case CmdStatusReport:
		c.sys.Exec.Set(system.ExecStatusReport)
	case CmdCycleStart:
		c.sys.Exec.Set(system.ExecCycleStart)
	case CmdFeedHold:
		c.sys.Exec.Set(system.ExecFeedHold)
	case CmdJogCancel:
		c.JogCancel()
	default:
		return b >= 0x80
	}
	return true
}

// Reset requests a soft reset.
func (c *Controller) Reset() { c.motion.Reset() }

// RequestStatus requests a realtime status report to every client.
func (c *Controller) RequestStatus() { c.sys.Exec.Set(system.ExecStatusReport) }

// CycleStart resumes a hold or starts queued motion.
func (c *Controller) CycleStart() { c.sys.Exec.Set(system.ExecCycleStart) }

// FeedHold decelerates to a controlled stop.
func (c *Controller) FeedHold() { c.sys.Exec.Set(system.ExecFeedHold) }

// JogCancel stops an active jog and flushes the queued jog motion.
func (c *Controller) JogCancel() {
	if c.sys.State() == system.StateJog {
		c.sys.Exec.Set(system.ExecMotionCancel)
	}
}

// Enqueue queues a line without waiting for its result. The response
// still reaches the client through the reporter.
func (c *Controller) Enqueue(ctx context.Context, client uuid.UUID, text string) error {
	return c.rt.Submit(ctx, protocol.Line{Client: client, Text: text})
}

// Submit queues a line and waits for its status code.
func (c *Controller) Submit(ctx context.Context, client uuid.UUID, text string) (status.Code, error) {
	result := make(chan status.Code, 1)
	if err := c.rt.Submit(ctx, protocol.Line{Client: client, Text: text, Result: result}); err != nil {
		return 0, err
	}
	select {
	case code, ok := <-result:
		if !ok {
			return 0, ErrLineDiscarded
		}
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Register adds an output client.
func (c *Controller) Register(s report.Sink) uuid.UUID { return c.reporter.Register(s) }

// Unregister removes an output client.
func (c *Controller) Unregister(id uuid.UUID) { c.reporter.Unregister(id) }

// Settings returns the live settings store.
func (c *Controller) Settings() *settings.Store { return c.settings }

// State returns the current machine state.
func (c *Controller) State() system.State { return c.sys.State() }

// Resets counts the soft resets processed since Run started.
func (c *Controller) Resets() uint64 { return c.resets.Load() }

// GCodeState returns the interpreter's committed state.
func (c *Controller) GCodeState() gcode.State { return c.parser.Snapshot() }

// PlannerBlocks is the number of queued planner blocks.
func (c *Controller) PlannerBlocks() int { return c.planner.Count() }

// Snapshot captures the machine for a status report.
func (c *Controller) Snapshot() report.Snapshot {
	cfg := c.settings.Get()
	return report.Snapshot{
		State:            c.sys.State(),
		Suspend:          c.sys.Suspend(),
		MPos:             c.sys.MachinePosition(cfg.StepsPerMM),
		WCO:              c.parser.WorkOffset(),
		PlannerAvailable: c.planner.Available(),
		RxAvailable:      c.rt.RxAvailable(),
		FeedRate:         c.stepper.RealtimeRate(),
		Pins:             c.limits.GetState(),
	}
}
