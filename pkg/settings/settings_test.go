package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
)

func TestDefaults(t *testing.T) {
	s := Defaults()
	assert.Equal(t, uint8(3), s.PulseMicroseconds)
	assert.True(t, s.InvertLimitPins())
	assert.False(t, s.SoftLimits())
	assert.False(t, s.HardLimits())
	assert.False(t, s.HomingEnabled())
	assert.Equal(t, [2]float64{-300, -300}, s.MaxTravel)
	assert.Equal(t, 200.0*3600, s.Acceleration[0])
}

func TestStoreValidation(t *testing.T) {
	tests := []struct {
		param int
		value float64
		want  status.Code
	}{
		{0, 2, status.SettingStepPulseMin},
		{0, 10, status.OK},
		{1, -1, status.NegativeValue},
		{6, 1, status.InvalidStatement},
		{20, 1, status.SoftLimitError},
		{102, 1, status.InvalidStatement},
		{140, 1, status.InvalidStatement},
		{100, 1000, status.MaxStepRateExceeded}, // 1000 * 5000 > 1.8e6
		{111, 2000, status.OK},
		{27, 2.5, status.OK},
	}
	for _, tt := range tests {
		st := NewStore(Defaults(), nil)
		assert.Equal(t, tt.want, st.Store(tt.param, tt.value), "$%d=%v", tt.param, tt.value)
	}
}

func TestStoreUnitConversions(t *testing.T) {
	st := NewStore(Defaults(), nil)
	require.Equal(t, status.OK, st.Store(121, 50))
	require.Equal(t, status.OK, st.Store(130, 150))
	s := st.Get()
	assert.Equal(t, 50.0*3600, s.Acceleration[1])
	assert.Equal(t, -150.0, s.MaxTravel[0])

	var acc, travel float64
	for _, e := range s.Entries() {
		switch e.Number {
		case 121:
			acc = e.Value
		case 130:
			travel = e.Value
		}
	}
	assert.Equal(t, 50.0, acc)
	assert.Equal(t, 150.0, travel)
}

func TestHomingDisableClearsSoftLimits(t *testing.T) {
	st := NewStore(Defaults(), nil)
	require.Equal(t, status.OK, st.Store(HomingEnable, 1))
	require.Equal(t, status.OK, st.Store(SoftLimitEnable, 1))
	assert.True(t, st.Get().SoftLimits())

	require.Equal(t, status.OK, st.Store(HomingEnable, 0))
	s := st.Get()
	assert.False(t, s.HomingEnabled())
	assert.False(t, s.SoftLimits())
}

func TestListenersAndRejectedWrites(t *testing.T) {
	st := NewStore(Defaults(), nil)
	var seen []int
	st.OnChange(func(param int, s Settings) { seen = append(seen, param) })

	assert.Equal(t, status.OK, st.Store(HardLimitEnable, 1))
	assert.Equal(t, status.SettingStepPulseMin, st.Store(PulseMicroseconds, 1))
	assert.Equal(t, []int{HardLimitEnable}, seen)
	assert.Equal(t, uint8(3), st.Get().PulseMicroseconds, "rejected write must not change state")
}

func TestEntriesOrder(t *testing.T) {
	s := Defaults()
	entries := s.Entries()
	require.Len(t, entries, 16+AxisSettingsCount*2)
	assert.Equal(t, 0, entries[0].Number)
	assert.Equal(t, JunctionDeviation, entries[7].Number)
	assert.False(t, entries[7].Integer)
	assert.Equal(t, 100, entries[16].Number)
	assert.Equal(t, 131, entries[len(entries)-1].Number)
}

func TestFilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	st, readFail, err := Open(path)
	require.NoError(t, err)
	assert.False(t, readFail, "a missing file is not a read failure")
	require.Equal(t, status.OK, st.Store(StatusReportMask, 1))
	require.Equal(t, status.OK, st.Store(100, 250))

	reopened, readFail, err := Open(path)
	require.NoError(t, err)
	assert.False(t, readFail)
	assert.Equal(t, st.Get(), reopened.Get())
}

func TestFileVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 3\nsettings: {}\n"), 0644))

	st, readFail, err := Open(path)
	require.NoError(t, err)
	assert.True(t, readFail)
	assert.Equal(t, Defaults(), st.Get())

	// Defaults are written back so the next boot reads cleanly.
	_, readFail, err = Open(path)
	require.NoError(t, err)
	assert.False(t, readFail)
}

func TestFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml"), 0644))
	_, readFail, err := File{Path: path}.Load()
	require.NoError(t, err)
	assert.True(t, readFail)
}

func TestRestore(t *testing.T) {
	st := NewStore(Defaults(), nil)
	require.Equal(t, status.OK, st.Store(24, 900))
	st.Restore(RestoreParameters)
	assert.Equal(t, 900.0, st.Get().HomingFeedRate)
	st.Restore(RestoreAll)
	assert.Equal(t, Defaults(), st.Get())
}

func TestFlagAccessorsOnStoreSnapshot(t *testing.T) {
	st := NewStore(Defaults(), nil)
	assert.True(t, st.Get().InvertLimitPins())
	assert.False(t, st.Get().HardLimits())
	assert.False(t, st.Get().InvertStepEnable())
	assert.Len(t, st.Get().Entries(), len(Defaults().Entries()))

	require.Equal(t, status.OK, st.Store(HardLimitEnable, 1))
	require.Equal(t, status.OK, st.Store(InvertStEnable, 1))
	require.Equal(t, status.OK, st.Store(InvertLimitPins, 0))
	require.Equal(t, status.OK, st.Store(HomingEnable, 1))
	assert.True(t, st.Get().HardLimits())
	assert.True(t, st.Get().InvertStepEnable())
	assert.False(t, st.Get().InvertLimitPins())
	assert.True(t, st.Get().HomingEnabled())
}
