package stepper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/planner"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/reactor"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

type rig struct {
	sys *system.System
	st  *settings.Store
	pl  *planner.Planner
	sim *Simulator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	sys := system.New()
	st := settings.NewStore(settings.Defaults(), nil)
	pl := planner.New(st, sys)
	return &rig{sys: sys, st: st, pl: pl, sim: NewSimulator(sys, pl, st, Options{})}
}

func (r *rig) line(t *testing.T, x, y, feed float64) {
	t.Helper()
	require.Equal(t, status.OK, r.pl.BufferLine([vecmath.NAxis]float64{x, y}, planner.LineData{FeedRate: feed}))
}

// drain plays the main loop and the interrupt in lockstep until the
// simulator stops. It returns the number of segments executed.
func (r *rig) drain(t *testing.T) int {
	t.Helper()
	for n := 0; n < 100000; n++ {
		r.sim.PrepBuffer()
		if _, ok := r.sim.Tick(); !ok {
			return n
		}
	}
	t.Fatal("simulator never stopped")
	return 0
}

func TestSingleBlockReachesTarget(t *testing.T) {
	r := newRig(t)
	r.line(t, 10, 0, 1000)

	r.sim.PrepBuffer()
	r.sim.WakeUp()
	assert.True(t, r.sim.DriversEnabled())
	segments := r.drain(t)

	assert.Greater(t, segments, 1)
	assert.Equal(t, [vecmath.NAxis]int32{8000, 0}, r.sys.Position())
	assert.Nil(t, r.pl.Current())
	assert.True(t, r.sys.Exec.Has(system.ExecCycleStop))
	assert.False(t, r.sim.Running())
	assert.Equal(t, uint64(8000), r.sim.StepsExecuted())
	phys := r.sim.PhysicalPosition()
	assert.InDelta(t, 10.0, phys[0], 1e-9)
}

func TestDiagonalAndReverseBlocks(t *testing.T) {
	r := newRig(t)
	r.line(t, 3, 4, 2000)
	r.line(t, -1, 2, 2000)
	r.line(t, -1, -2.5, 500)

	r.sim.PrepBuffer()
	r.sim.WakeUp()
	r.drain(t)

	assert.Equal(t, [vecmath.NAxis]int32{-800, -2000}, r.sys.Position())
	assert.Equal(t, 0, r.pl.Count())
}

func TestFeedHoldAndResume(t *testing.T) {
	r := newRig(t)
	r.line(t, 10, 0, 3000)
	r.line(t, 20, 0, 3000)

	r.sim.PrepBuffer()
	r.sim.WakeUp()
	for i := 0; i < 20; i++ {
		r.sim.PrepBuffer()
		_, ok := r.sim.Tick()
		require.True(t, ok)
	}

	r.sys.SetStepControl(system.StepControlExecuteHold)
	r.sim.UpdatePlanBlockParameters()
	r.drain(t)

	assert.True(t, r.sys.StepControlHas(system.StepControlEndMotion))
	held := r.sys.Position()
	assert.Greater(t, held[0], int32(0))
	assert.Less(t, held[0], int32(16000))

	// Resume the way the realtime core does after a hold completes.
	r.pl.CycleReinitialize()
	r.sys.SetStepControl(system.StepControlNormal)
	r.sys.Exec.Clear(system.ExecCycleStop)
	r.sim.PrepBuffer()
	r.sim.WakeUp()
	r.drain(t)

	assert.Equal(t, [vecmath.NAxis]int32{16000, 0}, r.sys.Position())
	assert.Nil(t, r.pl.Current())
}

func TestHomingAxisLockFreezesCarriage(t *testing.T) {
	r := newRig(t)
	r.sys.SetState(system.StateHoming)
	r.sys.SetHomingAxisLock(0b10)
	r.line(t, -2, -1, 1000)

	r.sim.PrepBuffer()
	r.sim.WakeUp()
	r.drain(t)

	assert.Equal(t, [vecmath.NAxis]int32{-1600, -800}, r.sys.Position())
	phys := r.sim.PhysicalPosition()
	assert.Equal(t, 0.0, phys[0])
	assert.InDelta(t, -1.0, phys[1], 1e-9)
}

func TestStepHookTrips(t *testing.T) {
	r := newRig(t)
	r.line(t, 5, 0, 1000)

	calls := 0
	tripped := false
	r.sim.SetStepHook(func() bool {
		calls++
		return r.sim.physical[0].Load() >= 400
	}, func() {
		tripped = true
		r.sim.GoIdle()
	})

	r.sim.PrepBuffer()
	r.sim.WakeUp()
	r.drain(t)

	assert.True(t, tripped)
	assert.Equal(t, int32(400), r.sys.Position()[0])
	assert.Equal(t, 400, calls)
	assert.False(t, r.sim.Running())
}

func TestIdleLockPolicy(t *testing.T) {
	r := newRig(t)

	r.sim.WakeUp()
	r.sim.GoIdle()
	assert.False(t, r.sim.DriversEnabled(), "default lock time releases drivers")

	require.Equal(t, status.OK, r.st.Store(settings.StepperIdleLockTime, 255))
	r.sim.WakeUp()
	r.sim.GoIdle()
	assert.True(t, r.sim.DriversEnabled(), "255 keeps drivers enabled")

	r.sys.SetAlarm(status.AlarmHardLimit)
	r.sim.GoIdle()
	assert.False(t, r.sim.DriversEnabled(), "an alarm always releases drivers")
}

func TestResetDiscardsSegments(t *testing.T) {
	r := newRig(t)
	r.line(t, 10, 0, 1000)
	r.sim.PrepBuffer()
	r.sim.WakeUp()
	r.sim.Tick()

	r.sim.Reset()
	assert.False(t, r.sim.Running())
	assert.Nil(t, r.sim.plBlock)
	_, ok := r.sim.Tick()
	assert.False(t, ok)
}

func TestRealtimeRate(t *testing.T) {
	r := newRig(t)
	r.line(t, 10, 0, 1200)
	r.sim.PrepBuffer()
	r.sim.WakeUp()
	for i := 0; i < 30; i++ {
		r.sim.PrepBuffer()
		r.sim.Tick()
	}

	assert.Equal(t, 0.0, r.sim.RealtimeRate(), "idle reports no rate")
	r.sys.SetState(system.StateCycle)
	rate := r.sim.RealtimeRate()
	assert.Greater(t, rate, 0.0)
	assert.LessOrEqual(t, rate, 1200.0+1e-9)
}

func TestReactorDrivenPlayback(t *testing.T) {
	r := newRig(t)
	r.sim.opts.TimeScale = 200
	re := reactor.New()
	r.sim.Attach(re)
	require.NoError(t, re.Run())
	defer func() { re.End(); re.Wait() }()

	r.line(t, 2, 1, 3000)
	r.sim.PrepBuffer()
	r.sim.WakeUp()

	deadline := time.Now().Add(3 * time.Second)
	for !r.sys.Exec.Has(system.ExecCycleStop) {
		require.True(t, time.Now().Before(deadline), "playback did not finish")
		r.sim.PrepBuffer()
		time.Sleep(200 * time.Microsecond)
	}
	assert.Equal(t, [vecmath.NAxis]int32{1600, 800}, r.sys.Position())
}

func TestStarvedExecutorWaitsForPrep(t *testing.T) {
	r := newRig(t)
	r.line(t, 10, 0, 3000)

	r.sim.PrepBuffer()
	r.sim.WakeUp()
	for i := 0; i < SegmentBufferSize+3; i++ {
		_, ok := r.sim.Tick()
		require.True(t, ok)
	}
	assert.False(t, r.sys.Exec.Has(system.ExecCycleStop), "an underrun is not a cycle stop")
	assert.True(t, r.sim.Running())

	r.drain(t)
	assert.Equal(t, [vecmath.NAxis]int32{8000, 0}, r.sys.Position())
}
