package report

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestSettingsDump(t *testing.T) {
	newGoldie(t).Assert(t, "settings_defaults", []byte(Settings(settings.Defaults())))
}

func TestNGCParameters(t *testing.T) {
	o := Offsets{G28: [vecmath.NAxis]float64{0, -5}, G92: [vecmath.NAxis]float64{2.25, 0}}
	o.Systems[0] = [vecmath.NAxis]float64{1, 2}
	o.Systems[1] = [vecmath.NAxis]float64{-10.5, 0}
	newGoldie(t).Assert(t, "ngc_parameters", []byte(NGCParameters(o)))
}

func TestGCodeModes(t *testing.T) {
	words := []string{"G1", "G54", "G17", "G21", "G90", "G94", "M0"}
	newGoldie(t).Assert(t, "gcode_modes", []byte(GCodeModes(words, 100)))
}

func TestRealtimeStatusFormats(t *testing.T) {
	cases := []struct {
		snap Snapshot
		mask uint8
	}{
		{Snapshot{State: system.StateIdle, MPos: [vecmath.NAxis]float64{1.5, -2}, PlannerAvailable: 15, RxAvailable: 128}, 3},
		{Snapshot{State: system.StateHold, Suspend: system.SuspendHoldComplete, MPos: [vecmath.NAxis]float64{3, 4}, WCO: [vecmath.NAxis]float64{1, 1}}, 0},
		{Snapshot{State: system.StateHold, MPos: [vecmath.NAxis]float64{3, 4}, FeedRate: 250.5, PlannerAvailable: 12, RxAvailable: 100}, 2},
		{Snapshot{State: system.StateHold, Suspend: system.SuspendJogCancel}, 1},
		{Snapshot{State: system.StateAlarm, MPos: [vecmath.NAxis]float64{-1, -1}, Pins: 3}, 1},
		{Snapshot{State: system.StateCycle, MPos: [vecmath.NAxis]float64{10, 0}, FeedRate: 1000, Pins: 2}, 1},
		{Snapshot{State: system.StateHoming}, 1},
		{Snapshot{State: system.StateSleep}, 1},
	}
	var sb strings.Builder
	for _, c := range cases {
		sb.WriteString(RealtimeStatus(c.snap, c.mask))
	}
	newGoldie(t).Assert(t, "status_reports", []byte(sb.String()))
}

func TestBanner(t *testing.T) {
	newGoldie(t).Assert(t, "banner", []byte(InitMessage()+Help()+BuildInfo("")))
}

func TestLineFormats(t *testing.T) {
	assert.Equal(t, "ok\r\n", StatusLine(status.OK))
	assert.Equal(t, "error:21\r\n", StatusLine(status.ModalGroupViolation))
	assert.Equal(t, "ALARM:9\r\n", AlarmLine(status.AlarmHomingFailApproach))
	assert.Equal(t, "[MSG:Pgm End]\r\n", MessageLine(MsgProgramEnd))
	assert.Equal(t, "[MSG:'$H'|'$X' to unlock]\r\n", MessageLine(MsgAlarmLock))
	assert.Equal(t, "", MessageLine(Message(200)))
}

func TestRouting(t *testing.T) {
	r := New(settings.NewStore(settings.Defaults(), nil))
	a, b := &Buffer{}, &Buffer{}
	ida := r.Register(a)
	idb := r.Register(b)
	require.NotEqual(t, ida, idb)
	assert.Equal(t, 2, r.Clients())

	r.Status(ida, status.OK)
	r.Alarm(status.AlarmHardLimit)
	r.Feedback(MsgCriticalEvent)

	assert.Equal(t, []string{"ok", "ALARM:1", "[MSG:Reset to continue]"}, a.Lines())
	assert.Equal(t, []string{"ALARM:1", "[MSG:Reset to continue]"}, b.Lines())

	r.Unregister(idb)
	r.Status(idb, status.OK)
	r.Send(ClientAll, "x\r\n")
	assert.Len(t, b.Take(), 2)
	assert.True(t, a.Contains("x"))
}

func TestRealtimeStatusUsesSnapshotAndMask(t *testing.T) {
	st := settings.NewStore(settings.Defaults(), nil)
	r := New(st)
	buf := &Buffer{}
	id := r.Register(buf)

	r.RealtimeStatus(id)
	assert.Empty(t, buf.Lines(), "no snapshot source yet")

	r.SetSnapshotSource(func() Snapshot {
		return Snapshot{State: system.StateIdle, MPos: [vecmath.NAxis]float64{2, 2}, WCO: [vecmath.NAxis]float64{1, 0}, PlannerAvailable: 15, RxAvailable: 64}
	})
	r.RealtimeStatus(id)
	require.Equal(t, status.OK, st.Store(settings.StatusReportMask, 1))
	r.RealtimeStatus(id)

	assert.Equal(t, []string{
		"<Idle|WPos:1.000,2.000|Bf:15,64|F:0.000>",
		"<Idle|MPos:2.000,2.000|F:0.000>",
	}, buf.Lines())
}

func TestSinkFunc(t *testing.T) {
	var got string
	r := New(settings.NewStore(settings.Defaults(), nil))
	r.Register(SinkFunc(func(text string) { got += text }))
	r.Init(ClientAll)
	assert.Equal(t, InitMessage(), got)
}
