package motion

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/endstop"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/limits"
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

type rig struct {
	sys    *system.System
	st     *settings.Store
	pl     *planner.Planner
	sim    *stepper.Simulator
	out    *report.Buffer
	p      *protocol.Executor
	group  *endstop.EndstopGroup
	lim    *limits.Limits
	g      *Gateway
	synced atomic.Int32
}

func testSettings() settings.Settings {
	s := settings.Defaults()
	s.Flags |= settings.FlagHomingEnable
	s.MaxTravel = [vecmath.NAxis]float64{-20, -20}
	s.HomingDebounceDelay = 0
	return s
}

func newRig(t *testing.T, s settings.Settings) *rig {
	t.Helper()
	r := &rig{sys: system.New(), out: &report.Buffer{}}
	r.st = settings.NewStore(s, nil)
	r.pl = planner.New(r.st, r.sys)
	r.sim = stepper.NewSimulator(r.sys, r.pl, r.st, stepper.Options{TimeScale: 50})
	rep := report.New(r.st)
	rep.Register(r.out)
	r.p = protocol.New(r.sys, r.pl, r.sim, rep, protocol.Options{Poll: 200 * time.Microsecond})
	r.group = endstop.NewEndstopGroup("limits")
	r.lim = limits.New(r.sys, r.st, r.pl, r.sim, r.group, r.p)
	r.g = New(r.sys, r.st, r.pl, r.sim, r.p, r.lim)
	r.g.SetParserSync(func() { r.synced.Add(1) })
	r.sim.SetStepHook(r.lim.StepHook, r.lim.Trip)

	re := reactor.New()
	r.sim.Attach(re)
	r.g.Attach(re)
	require.NoError(t, re.Run())
	t.Cleanup(func() {
		re.End()
		re.Wait()
	})
	return r
}

func (r *rig) switchAt(axis int, pos float64) {
	e := endstop.New(endstop.EndstopConfig{Name: "limit", Axis: axis, NormallyClosed: true})
	e.SetQueryCallback(endstop.Virtual{Axis: axis, Position: pos, Source: r.sim}.Pressed)
	r.group.Add(e)
}

func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out")
	}
}

func TestLineRunsThroughPlanner(t *testing.T) {
	r := newRig(t, testSettings())
	r.g.Line([vecmath.NAxis]float64{-2, -1}, planner.LineData{FeedRate: 1000})
	r.g.Line([vecmath.NAxis]float64{-4, -1}, planner.LineData{FeedRate: 1000})
	assert.Equal(t, 2, r.pl.Count())

	within(t, 10*time.Second, r.p.BufferSynchronize)
	assert.Equal(t, [vecmath.NAxis]int32{-3200, -800}, r.sys.Position())
}

func TestLineWaitsForPlannerSpace(t *testing.T) {
	r := newRig(t, testSettings())
	n := planner.BufferSize + 10
	within(t, 20*time.Second, func() {
		for i := 1; i <= n; i++ {
			r.g.Line([vecmath.NAxis]float64{-0.5 * float64(i), 0}, planner.LineData{FeedRate: 3000})
		}
	})
	assert.Equal(t, system.StateCycle, r.sys.State(), "a full planner starts the cycle")

	within(t, 20*time.Second, r.p.BufferSynchronize)
	assert.Equal(t, int32(-400*n), r.sys.Position()[0])
}

func TestLineInCheckModeQueuesNothing(t *testing.T) {
	r := newRig(t, testSettings())
	r.sys.SetState(system.StateCheckMode)
	r.g.Line([vecmath.NAxis]float64{-1, -1}, planner.LineData{FeedRate: 100})
	assert.Zero(t, r.pl.Count())
	r.g.Dwell(5)
}

func TestSoftLimitStopsLine(t *testing.T) {
	s := testSettings()
	s.Flags |= settings.FlagSoftLimit
	r := newRig(t, s)

	go func() {
		for !r.out.Contains("[MSG:Reset to continue]") {
			time.Sleep(time.Millisecond)
		}
		r.g.Reset()
	}()
	within(t, 10*time.Second, func() {
		r.g.Line([vecmath.NAxis]float64{5, -1}, planner.LineData{FeedRate: 100})
	})

	assert.Zero(t, r.pl.Count())
	assert.True(t, r.out.Contains("ALARM:2"))
	assert.True(t, r.sys.Abort())
}

func TestJogRejectsTravel(t *testing.T) {
	s := testSettings()
	s.Flags |= settings.FlagSoftLimit
	r := newRig(t, s)

	assert.Equal(t, status.TravelExceeded, r.g.Jog([vecmath.NAxis]float64{1, 0}, 500))
	assert.Zero(t, r.pl.Count())

	assert.Equal(t, status.OK, r.g.Jog([vecmath.NAxis]float64{-2, 0}, 500))
	assert.Equal(t, system.StateJog, r.sys.State())
	assert.True(t, r.sim.DriversEnabled())

	within(t, 10*time.Second, func() {
		for r.sys.State() != system.StateIdle {
			r.p.ExecuteRealtime()
			r.p.Wait()
		}
	})
	assert.Equal(t, int32(-1600), r.sys.Position()[0])
}

func TestDwellPausesAfterDrain(t *testing.T) {
	r := newRig(t, testSettings())
	r.g.Line([vecmath.NAxis]float64{-1, 0}, planner.LineData{FeedRate: 2000})

	start := time.Now()
	within(t, 10*time.Second, func() { r.g.Dwell(0.12) })
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
	assert.Equal(t, int32(-800), r.sys.Position()[0])
}

func TestDwellEndsOnAbort(t *testing.T) {
	r := newRig(t, testSettings())

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.sys.SetAbort(true)
	}()
	start := time.Now()
	within(t, 5*time.Second, func() { r.g.Dwell(30) })
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDwellServicesRealtime(t *testing.T) {
	r := newRig(t, testSettings())

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.sys.Exec.Set(system.ExecStatusReport)
	}()
	within(t, 5*time.Second, func() { r.g.Dwell(0.3) })
	assert.False(t, r.sys.Exec.Has(system.ExecStatusReport), "status request served during the pause")
	assert.NotEmpty(t, r.out.Lines())
}

func TestResetRaisesAlarmOnlyWhenMoving(t *testing.T) {
	r := newRig(t, testSettings())

	r.g.Reset()
	assert.True(t, r.sys.Exec.Has(system.ExecReset))
	assert.Equal(t, status.AlarmNone, r.sys.Alarm())

	r.sys.Exec.Store(0)
	r.sys.SetState(system.StateCycle)
	r.g.Reset()
	assert.Equal(t, status.AlarmAbortCycle, r.sys.Alarm())

	r.sys.ClearAlarm()
	r.g.Reset()
	assert.Equal(t, status.AlarmNone, r.sys.Alarm(), "a pending reset is not reprocessed")

	r.sys.Exec.Store(0)
	r.sys.SetState(system.StateHoming)
	r.g.Reset()
	assert.Equal(t, status.AlarmHomingFailReset, r.sys.Alarm())

	r.sys.Exec.Store(0)
	r.sys.SetState(system.StateIdle)
	r.sys.SetAlarm(status.AlarmHomingFailApproach)
	r.sys.SetStepControl(system.StepControlExecuteHold)
	r.g.Reset()
	assert.Equal(t, status.AlarmAbortCycle, r.sys.Alarm())
}

func TestHomingCycleSyncsPositions(t *testing.T) {
	s := testSettings()
	s.Flags |= settings.FlagHardLimit
	r := newRig(t, s)
	r.switchAt(0, -5)
	r.switchAt(1, -3)
	r.sys.SetState(system.StateHoming)

	within(t, 20*time.Second, func() { r.g.HomingCycle(limits.CycleAll) })

	require.False(t, r.sys.Abort())
	assert.Equal(t, [vecmath.NAxis]int32{-15200, -15200}, r.sys.Position())
	assert.Equal(t, int32(1), r.synced.Load())
	assert.Equal(t, [vecmath.NAxis]float64{-19, -19}, r.pl.Position())
	assert.True(t, r.lim.Armed(), "hard limits are rearmed")
}

func TestHomingCycleFailureAborts(t *testing.T) {
	r := newRig(t, testSettings())
	r.switchAt(0, -100)
	r.sys.SetState(system.StateHoming)

	within(t, 20*time.Second, func() { r.g.HomingCycle(limits.CycleX) })

	assert.True(t, r.sys.Abort())
	assert.True(t, r.out.Contains("ALARM:9"))
	assert.Zero(t, r.synced.Load())
	assert.False(t, r.lim.Armed())
}
