// Package protocol runs the controller's main loop: it frames client lines,
// hands them to the interpreter, and drains the realtime request flags in
// a fixed order at every checkpoint where the loop could wait.
package protocol

import (
	"context"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/planner"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/stepper"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
)

const (
	// LineBufferSize bounds a normalized line, terminator included.
	LineBufferSize = 80
	// RxBufferSize is the number of lines queued ahead of the main loop.
	RxBufferSize = 128

	defaultPoll = 500 * time.Microsecond
)

// Options tunes the executor.
type Options struct {
	// AutoResume restarts a completed feed hold without a cycle start.
	AutoResume bool
	// Poll is the sleep between checkpoint iterations of a wait loop.
	Poll time.Duration
	// OnLine observes every executed line.
	OnLine func(code status.Code, elapsed time.Duration)
	// OnAlarm observes every reported alarm.
	OnAlarm func(a status.Alarm)
}

// Executor drains realtime requests and runs the main loop.
type Executor struct {
	sys      *system.System
	planner  *planner.Planner
	stepper  stepper.Executor
	reporter *report.Reporter
	logger   *log.Logger
	opts     Options

	ctx   context.Context
	input chan Line
	// syncPosition resyncs the interpreter after a flush.
	syncPosition func()
}

// New creates an executor.
func New(sys *system.System, pl *planner.Planner, ex stepper.Executor, rep *report.Reporter, opts Options) *Executor {
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	return &Executor{
		sys:          sys,
		planner:      pl,
		stepper:      ex,
		reporter:     rep,
		logger:       log.GetLogger("protocol"),
		opts:         opts,
		ctx:          context.Background(),
		input:        make(chan Line, RxBufferSize),
		syncPosition: func() {},
	}
}

// SetPositionSync installs the interpreter position resync.
func (p *Executor) SetPositionSync(fn func()) { p.syncPosition = fn }

// Bind ties the wait loops to ctx. Once ctx is done every checkpoint
// behaves as if reset was requested.
func (p *Executor) Bind(ctx context.Context) { p.ctx = ctx }

// Wait sleeps one poll interval.
func (p *Executor) Wait() { time.Sleep(p.opts.Poll) }

func (p *Executor) setState(s system.State) {
	if old := p.sys.State(); old != s {
		p.logger.Debug("state %s -> %s", old, s)
	}
	p.sys.SetState(s)
}

func (p *Executor) checkContext() {
	if p.ctx.Err() != nil && !p.sys.Exec.Has(system.ExecReset) {
		p.sys.Exec.Set(system.ExecReset)
	}
}

// ExecuteRealtime is the checkpoint called wherever the main flow may
// wait: it drains pending requests and runs the suspend loop.
func (p *Executor) ExecuteRealtime() {
	p.ExecRTSystem()
	if p.sys.Suspend() != 0 {
		p.suspend()
	}
}

// ExecRTSystem drains the alarm register and then the exec flags in
// priority order: reset, status report, the hold group, cycle start and
// cycle stop. It finally tops up the stepper segment buffer.
func (p *Executor) ExecRTSystem() {
	p.checkContext()

	if a := p.sys.Alarm(); a != status.AlarmNone {
		p.setState(system.StateAlarm)
		p.reporter.Alarm(a)
		if p.opts.OnAlarm != nil {
			p.opts.OnAlarm(a)
		}
		if a.Critical() {
			p.sys.Exec.Clear(system.ExecReset)
			p.reporter.Feedback(report.MsgCriticalEvent)
			for !p.sys.Exec.Has(system.ExecReset) {
				if p.sys.Exec.Has(system.ExecStatusReport) {
					p.reporter.RealtimeStatus(report.ClientAll)
					p.sys.Exec.Clear(system.ExecStatusReport)
				}
				p.Wait()
				p.checkContext()
			}
		}
		p.sys.ClearAlarm()
	}

	rt := p.sys.Exec.Load()
	if rt != 0 {
		if rt&system.ExecReset != 0 {
			p.sys.SetAbort(true)
			return
		}

		if rt&system.ExecStatusReport != 0 {
			p.reporter.RealtimeStatus(report.ClientAll)
			p.sys.Exec.Clear(system.ExecStatusReport)
		}

		if rt&(system.ExecMotionCancel|system.ExecFeedHold|system.ExecSleep) != 0 {
			p.holdGroup(rt)
			p.sys.Exec.Clear(system.ExecMotionCancel | system.ExecFeedHold | system.ExecSleep)
		}

		if rt&system.ExecCycleStart != 0 {
			if rt&(system.ExecFeedHold|system.ExecMotionCancel) == 0 {
				p.cycleStart()
			}
			p.sys.Exec.Clear(system.ExecCycleStart)
		}

		if rt&system.ExecCycleStop != 0 {
			p.cycleStop()
			p.sys.Exec.Clear(system.ExecCycleStop)
		}
	}

	if p.sys.State().Any(system.StateCycle | system.StateHold | system.StateHoming | system.StateSleep | system.StateJog) {
		p.stepper.PrepBuffer()
	}
}

func (p *Executor) holdGroup(rt uint32) {
	state := p.sys.State()
	if !state.Any(system.StateAlarm | system.StateCheckMode) {
		if state.Any(system.StateCycle | system.StateJog) {
			if !p.sys.SuspendHas(system.SuspendMotionCancel | system.SuspendJogCancel) {
				p.stepper.UpdatePlanBlockParameters()
				p.sys.SetStepControl(system.StepControlExecuteHold)
				if state == system.StateJog && rt&system.ExecSleep == 0 {
					p.sys.AddSuspend(system.SuspendJogCancel)
				}
			}
		}
		if state == system.StateIdle {
			p.sys.SetSuspend(system.SuspendHoldComplete)
		}
		if rt&system.ExecMotionCancel != 0 && state != system.StateJog {
			p.sys.AddSuspend(system.SuspendMotionCancel)
		}
		if rt&system.ExecFeedHold != 0 && !state.Any(system.StateJog|system.StateSleep) {
			p.setState(system.StateHold)
		}
	}
	if rt&system.ExecSleep != 0 {
		if p.sys.State() == system.StateAlarm {
			p.sys.AddSuspend(system.SuspendHoldComplete)
		}
		p.setState(system.StateSleep)
	}
}

func (p *Executor) cycleStart() {
	state := p.sys.State()
	if state != system.StateIdle && !(state == system.StateHold && p.sys.SuspendHas(system.SuspendHoldComplete)) {
		return
	}
	p.sys.SetStepControl(system.StepControlNormal)
	if p.planner.Current() != nil && !p.sys.SuspendHas(system.SuspendMotionCancel) {
		p.sys.SetSuspend(0)
		p.setState(system.StateCycle)
		p.stepper.PrepBuffer()
		p.stepper.WakeUp()
		return
	}
	p.sys.SetSuspend(0)
	p.setState(system.StateIdle)
}

func (p *Executor) cycleStop() {
	// A late cycle stop from the stepper must not unlock an alarm.
	if p.sys.State() == system.StateAlarm {
		return
	}
	if p.sys.State().Any(system.StateHold|system.StateSleep) && !p.sys.SoftLimit() &&
		!p.sys.SuspendHas(system.SuspendJogCancel) {
		// Hold complete: stay in Hold until resumed or reset.
		p.planner.CycleReinitialize()
		if p.sys.StepControlHas(system.StepControlExecuteHold) {
			p.sys.AddSuspend(system.SuspendHoldComplete)
		}
		p.sys.ClearStepControl(system.StepControlExecuteHold | system.StepControlExecuteSysMotion)
		return
	}
	if p.sys.SuspendHas(system.SuspendJogCancel) {
		p.sys.SetStepControl(system.StepControlNormal)
		p.planner.Reset()
		p.stepper.Reset()
		p.syncPosition()
		p.planner.SyncPosition()
	}
	p.sys.SetSuspend(0)
	p.setState(system.StateIdle)
}

// suspend blocks while a hold, cancel or sleep is in effect. Sleep only
// ends with a reset.
func (p *Executor) suspend() {
	for p.sys.Suspend() != 0 {
		if p.sys.Abort() {
			return
		}
		if p.sys.SuspendHas(system.SuspendHoldComplete) {
			if p.sys.State() == system.StateSleep {
				p.reporter.Feedback(report.MsgSleepMode)
				p.stepper.GoIdle()
				for !p.sys.Abort() {
					p.ExecRTSystem()
					p.Wait()
				}
				return
			}
			if p.opts.AutoResume {
				p.sys.Exec.Set(system.ExecCycleStart)
			}
		}
		p.ExecRTSystem()
		if p.sys.Suspend() != 0 {
			p.Wait()
		}
	}
}

// AutoCycleStart starts execution when blocks are queued.
func (p *Executor) AutoCycleStart() {
	if p.planner.Current() != nil {
		p.sys.Exec.Set(system.ExecCycleStart)
	}
}

// BufferSynchronize waits until every queued block has executed.
func (p *Executor) BufferSynchronize() {
	p.AutoCycleStart()
	for {
		p.ExecuteRealtime()
		if p.sys.Abort() {
			return
		}
		if p.planner.Current() == nil && p.sys.State() != system.StateCycle {
			return
		}
		p.Wait()
	}
}
